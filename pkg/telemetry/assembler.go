// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/sentinel/pkg/sensors"
)

// Assembler normalizes raw provider readings into canonical snapshots.
//
// It owns the process-wide sequence counter: sequence numbers strictly
// increase for the lifetime of the process and are never reset on reload.
type Assembler struct {
	hostID string
	logger logr.Logger
	seq    atomic.Uint64
}

// NewAssembler creates an assembler stamping snapshots with hostID.
func NewAssembler(hostID string, logger logr.Logger) *Assembler {
	return &Assembler{
		hostID: hostID,
		logger: logger.WithName("assembler"),
	}
}

// Sequence returns the last assigned sequence number.
func (a *Assembler) Sequence() uint64 {
	return a.seq.Load()
}

// Assemble converts raw readings into a Snapshot.
//
// All readings share capturedAt, which the caller reads once per tick.
// Sensor IDs are derived as "<chip>/<channel>" so they stay stable across
// process restarts. Duplicate sensor IDs within one sample are collapsed
// last-write-wins and logged as a warning. An empty raw slice still produces
// a snapshot so the collector keeps seeing a liveness signal.
func (a *Assembler) Assemble(raw []sensors.RawReading, capturedAt time.Time) Snapshot {
	readings := make([]Reading, 0, len(raw))
	index := make(map[string]int, len(raw))

	for _, r := range raw {
		unit, ok := unitForKind(r.Kind)
		if !ok {
			a.logger.V(1).Info("skipping reading with unknown kind",
				"chip", r.Chip, "channel", r.Channel, "kind", r.Kind)
			continue
		}

		id := sensorID(r)
		reading := Reading{
			SensorID: id,
			Label:    r.Label,
			Value:    r.Value,
			Unit:     unit,
		}

		if at, dup := index[id]; dup {
			a.logger.Info("duplicate sensor id in sample, keeping last value",
				"sensor_id", id, "previous", readings[at].Value, "value", r.Value)
			readings[at] = reading
			continue
		}
		index[id] = len(readings)
		readings = append(readings, reading)
	}

	return Snapshot{
		HostID:     a.hostID,
		CapturedAt: capturedAt,
		Sequence:   a.seq.Add(1),
		Readings:   readings,
	}
}

func sensorID(r sensors.RawReading) string {
	if r.Chip == "" {
		return r.Channel
	}
	return r.Chip + "/" + r.Channel
}

func unitForKind(kind sensors.Kind) (Unit, bool) {
	switch kind {
	case sensors.KindTemperature:
		return UnitCelsius, true
	case sensors.KindFan:
		return UnitRPM, true
	case sensors.KindPower:
		return UnitWatt, true
	case sensors.KindUtilization:
		return UnitPercent, true
	case sensors.KindCount:
		return UnitCount, true
	}
	return "", false
}
