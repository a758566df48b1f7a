// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package telemetry defines the canonical data model shared by the sampling
// and delivery halves of the agent: sensor readings, timestamped snapshots,
// and the delivery envelopes that carry snapshots to the collector.
package telemetry

import (
	"encoding/json"
	"time"
)

// Unit is the measurement unit of a sensor reading
type Unit string

const (
	UnitCelsius Unit = "celsius"
	UnitRPM     Unit = "rpm"
	UnitWatt    Unit = "watt"
	UnitPercent Unit = "percent"
	UnitCount   Unit = "count"
)

// IsValid checks if the unit is one of the known measurement units
func (u Unit) IsValid() bool {
	switch u {
	case UnitCelsius, UnitRPM, UnitWatt, UnitPercent, UnitCount:
		return true
	}
	return false
}

// Reading is a single sensor measurement. Readings are immutable once created.
//
// SensorID must be stable across process restarts so the collector can
// correlate time series for the same physical sensor.
type Reading struct {
	SensorID string  `json:"sensor_id"`
	Label    string  `json:"label"`
	Value    float64 `json:"value"`
	Unit     Unit    `json:"unit"`
}

// Snapshot is one timestamped set of sensor readings from a single poll.
//
// Sequence strictly increases for the lifetime of the process, including
// across configuration reloads. It only resets on a full process restart.
// Readings may be empty: an empty snapshot is still shipped so the collector
// sees the agent as alive.
type Snapshot struct {
	HostID     string    `json:"host_id"`
	CapturedAt time.Time `json:"captured_at"`
	Sequence   uint64    `json:"sequence"`
	Readings   []Reading `json:"readings"`
}

// DeliveryEnvelope wraps a Snapshot with delivery bookkeeping. It is owned
// exclusively by the buffer/delivery pair; the scheduler never sees an
// envelope after enqueue.
type DeliveryEnvelope struct {
	Snapshot        Snapshot   `json:"snapshot"`
	AttemptCount    uint32     `json:"attempt_count"`
	FirstEnqueuedAt time.Time  `json:"first_enqueued_at"`
	LastAttemptAt   *time.Time `json:"last_attempt_at,omitempty"`
}

// NewEnvelope wraps snapshot for delivery with zero attempts recorded.
func NewEnvelope(snapshot Snapshot, now time.Time) *DeliveryEnvelope {
	return &DeliveryEnvelope{
		Snapshot:        snapshot,
		FirstEnqueuedAt: now,
	}
}

// RecordAttempt increments the attempt counter and stamps the attempt time.
func (e *DeliveryEnvelope) RecordAttempt(now time.Time) {
	e.AttemptCount++
	t := now
	e.LastAttemptAt = &t
}

// Marshal serializes the envelope as one self-contained collector message.
func (e *DeliveryEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
