// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sensors defines the sensor source capability: a polymorphic
// provider that yields one set of raw readings per invocation. Providers
// register themselves with the package registry so new variants can be added
// without touching the polling scheduler.
package sensors

import (
	"context"
	"errors"
	"time"
)

// Collection error taxonomy. Providers wrap these sentinels with %w so the
// scheduler can classify failures with errors.Is.
var (
	// ErrSourceUnavailable means the entire sensor subsystem is inaccessible.
	ErrSourceUnavailable = errors.New("sensor source unavailable")
	// ErrAuthFailure means the provider's credentials were rejected.
	// Not retried until a reload supplies new credentials.
	ErrAuthFailure = errors.New("sensor source authentication rejected")
	// ErrUnreachable is a transient connectivity failure; retry next tick.
	ErrUnreachable = errors.New("sensor source unreachable")
	// ErrMalformedResponse means the provider returned data we cannot parse.
	ErrMalformedResponse = errors.New("malformed sensor source response")
	// ErrSampleTimeout means the sample exceeded the per-sample deadline.
	// Treated the same as ErrUnreachable by the scheduler.
	ErrSampleTimeout = errors.New("sensor sample timed out")
)

// Kind classifies what a raw reading measures. The snapshot assembler maps
// kinds to canonical units.
type Kind string

const (
	KindTemperature Kind = "temperature"
	KindFan         Kind = "fan"
	KindPower       Kind = "power"
	KindUtilization Kind = "utilization"
	KindCount       Kind = "count"
)

// RawReading is one measurement as reported by a provider, before the
// assembler normalizes it into a canonical telemetry.Reading.
type RawReading struct {
	// Chip identifies the reporting device (hwmon chip name, "cpu", ...).
	Chip string
	// Channel identifies the sensor within the chip ("temp1", "core3", ...).
	Channel string
	// Label is the human-readable sensor label, if the provider has one.
	Label string
	Value float64
	Kind  Kind
}

// Source yields one set of raw sensor readings per invocation.
//
// Sample is called synchronously from the scheduler's tick and must honor
// ctx's deadline; implementations must not block past it. A partial result
// (some sensors missing) is returned as a success with fewer readings.
type Source interface {
	Name() string
	Sample(ctx context.Context) ([]RawReading, error)
}

// Config carries the provider settings resolved by the configuration layer.
// Providers read only the fields relevant to them.
type Config struct {
	// SampleTimeout bounds a single Sample call. Exceeding it is treated
	// as ErrSampleTimeout by the provider.
	SampleTimeout time.Duration

	// HwmonPath is the local sensor subsystem root (default /sys/class/hwmon).
	HwmonPath string
	// HostProcPath is the proc mount used for utilization readings.
	HostProcPath string

	// Endpoint is the hypervisor management API base URL.
	Endpoint string
	// Username and Password authenticate against the management API.
	Username string
	Password string
}

// ApplyDefaults fills in zero values with defaults
func (c *Config) ApplyDefaults() {
	if c.SampleTimeout == 0 {
		c.SampleTimeout = 5 * time.Second
	}
	if c.HwmonPath == "" {
		c.HwmonPath = "/sys/class/hwmon"
	}
	if c.HostProcPath == "" {
		c.HostProcPath = "/proc"
	}
}
