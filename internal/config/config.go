// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config resolves the agent configuration from a YAML file,
// environment variables and command-line flags, and watches the file for
// changes so the agent can reload without restarting.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// BackpressurePolicy governs admission when the telemetry buffer is full
type BackpressurePolicy string

const (
	// PolicyDropOldest evicts the oldest buffered envelope to admit the new
	// one. The stream stays fresh under sustained overload.
	PolicyDropOldest BackpressurePolicy = "drop-oldest"
	// PolicyRejectNewest refuses the new snapshot when full, preserving
	// historical continuity over freshness.
	PolicyRejectNewest BackpressurePolicy = "reject-newest"
)

// IsValid checks if the policy is one of the known backpressure policies
func (p BackpressurePolicy) IsValid() bool {
	return p == PolicyDropOldest || p == PolicyRejectNewest
}

// Config is the resolved agent configuration. It is read-only to the
// telemetry core; a reload produces a fresh Config applied atomically.
type Config struct {
	// Interval is the polling interval between sensor samples.
	Interval time.Duration `yaml:"interval"`
	// Jitter bounds the uniform random offset applied to each tick.
	Jitter time.Duration `yaml:"jitter"`
	// SampleTimeout bounds a single SensorSource sample call.
	SampleTimeout time.Duration `yaml:"sample_timeout"`
	// DrainGracePeriod bounds the final buffer flush on shutdown.
	DrainGracePeriod time.Duration `yaml:"drain_grace_period"`

	Source    SourceConfig    `yaml:"source"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Collector CollectorConfig `yaml:"collector"`
	Export    ExportConfig    `yaml:"export"`
}

// SourceConfig selects and configures the sensor provider.
type SourceConfig struct {
	// Type is the registered provider name: local, esxi or mock.
	Type string `yaml:"type"`
	// HwmonPath is the local sensor subsystem root.
	HwmonPath string `yaml:"hwmon_path"`
	// Endpoint, Username and Password configure the hypervisor provider.
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BufferConfig bounds the telemetry buffer between sampling and delivery.
type BufferConfig struct {
	Capacity int                `yaml:"capacity"`
	Policy   BackpressurePolicy `yaml:"policy"`
}

// CollectorConfig configures delivery to the central collector.
type CollectorConfig struct {
	// Endpoint is the collector ingest URL.
	Endpoint string `yaml:"endpoint"`
	// Token is sent as a bearer credential on every delivery.
	Token string `yaml:"token"`
	// Timeout bounds a single delivery attempt on the wire.
	Timeout time.Duration `yaml:"timeout"`

	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// RetryConfig configures backoff between delivery attempts.
type RetryConfig struct {
	// BaseDelay is the first retry delay; doubles each attempt.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration `yaml:"max_delay"`
	// JitterFraction randomizes each delay by ±fraction to avoid
	// thundering-herd reconnects across a fleet.
	JitterFraction float64 `yaml:"jitter_fraction"`
	// MaxAttempts drops an envelope after this many failed attempts.
	// Zero means retry until delivered or evicted.
	MaxAttempts int `yaml:"max_attempts"`
}

// BreakerConfig configures the delivery circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive retryable failures
	// that opens the circuit.
	FailureThreshold int `yaml:"failure_threshold"`
	// Cooldown is the initial open interval; it doubles after each failed
	// half-open probe up to CooldownCap.
	Cooldown    time.Duration `yaml:"cooldown"`
	CooldownCap time.Duration `yaml:"cooldown_cap"`
}

// ExportConfig configures the optional OpenTelemetry mirror export.
type ExportConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

// OTelConfig mirrors assembled readings as OTLP gauges. Disabled by default
// and never on the primary delivery path.
type OTelConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Insecure bool          `yaml:"insecure"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Interval:         10 * time.Second,
		Jitter:           time.Second,
		SampleTimeout:    5 * time.Second,
		DrainGracePeriod: 15 * time.Second,
		Source: SourceConfig{
			Type:      "local",
			HwmonPath: "/sys/class/hwmon",
		},
		Buffer: BufferConfig{
			Capacity: 256,
			Policy:   PolicyDropOldest,
		},
		Collector: CollectorConfig{
			Endpoint: "http://127.0.0.1:5000/ingest",
			Timeout:  10 * time.Second,
			Retry: RetryConfig{
				BaseDelay:      2 * time.Second,
				MaxDelay:       time.Minute,
				JitterFraction: 0.2,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
				CooldownCap:      5 * time.Minute,
			},
		},
		Export: ExportConfig{
			OTel: OTelConfig{
				Endpoint: "localhost:4317",
				Interval: 30 * time.Second,
			},
		},
	}
}

// ApplyDefaults fills in zero values with defaults
func (c *Config) ApplyDefaults() {
	defaults := Default()

	if c.Interval == 0 {
		c.Interval = defaults.Interval
	}
	if c.SampleTimeout == 0 {
		c.SampleTimeout = defaults.SampleTimeout
	}
	if c.DrainGracePeriod == 0 {
		c.DrainGracePeriod = defaults.DrainGracePeriod
	}
	if c.Source.Type == "" {
		c.Source.Type = defaults.Source.Type
	}
	if c.Source.HwmonPath == "" {
		c.Source.HwmonPath = defaults.Source.HwmonPath
	}
	if c.Buffer.Capacity == 0 {
		c.Buffer.Capacity = defaults.Buffer.Capacity
	}
	if c.Buffer.Policy == "" {
		c.Buffer.Policy = defaults.Buffer.Policy
	}
	if c.Collector.Endpoint == "" {
		c.Collector.Endpoint = defaults.Collector.Endpoint
	}
	if c.Collector.Timeout == 0 {
		c.Collector.Timeout = defaults.Collector.Timeout
	}
	if c.Collector.Retry.BaseDelay == 0 {
		c.Collector.Retry.BaseDelay = defaults.Collector.Retry.BaseDelay
	}
	if c.Collector.Retry.MaxDelay == 0 {
		c.Collector.Retry.MaxDelay = defaults.Collector.Retry.MaxDelay
	}
	if c.Collector.Breaker.FailureThreshold == 0 {
		c.Collector.Breaker.FailureThreshold = defaults.Collector.Breaker.FailureThreshold
	}
	if c.Collector.Breaker.Cooldown == 0 {
		c.Collector.Breaker.Cooldown = defaults.Collector.Breaker.Cooldown
	}
	if c.Collector.Breaker.CooldownCap == 0 {
		c.Collector.Breaker.CooldownCap = defaults.Collector.Breaker.CooldownCap
	}
	if c.Export.OTel.Endpoint == "" {
		c.Export.OTel.Endpoint = defaults.Export.OTel.Endpoint
	}
	if c.Export.OTel.Interval == 0 {
		c.Export.OTel.Interval = defaults.Export.OTel.Interval
	}
}

// Validate ensures the configuration is internally consistent. A config that
// fails validation aborts startup, or aborts a reload leaving the previous
// configuration in effect.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.Jitter < 0 {
		return fmt.Errorf("jitter must not be negative, got %s", c.Jitter)
	}
	if c.Jitter >= c.Interval {
		return fmt.Errorf("jitter %s must be smaller than interval %s", c.Jitter, c.Interval)
	}
	if c.SampleTimeout <= 0 {
		return fmt.Errorf("sample_timeout must be positive, got %s", c.SampleTimeout)
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer capacity must be positive, got %d", c.Buffer.Capacity)
	}
	if !c.Buffer.Policy.IsValid() {
		return fmt.Errorf("unknown backpressure policy %q", c.Buffer.Policy)
	}
	if c.Source.Type == "" {
		return fmt.Errorf("source type is required")
	}
	u, err := url.Parse(c.Collector.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid collector endpoint %q", c.Collector.Endpoint)
	}
	if c.Collector.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry base_delay must be positive, got %s", c.Collector.Retry.BaseDelay)
	}
	if c.Collector.Retry.MaxDelay < c.Collector.Retry.BaseDelay {
		return fmt.Errorf("retry max_delay %s must not be smaller than base_delay %s",
			c.Collector.Retry.MaxDelay, c.Collector.Retry.BaseDelay)
	}
	if c.Collector.Retry.JitterFraction < 0 || c.Collector.Retry.JitterFraction > 1 {
		return fmt.Errorf("retry jitter_fraction must be in [0,1], got %g", c.Collector.Retry.JitterFraction)
	}
	if c.Collector.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be positive, got %d", c.Collector.Breaker.FailureThreshold)
	}
	if c.Collector.Breaker.CooldownCap < c.Collector.Breaker.Cooldown {
		return fmt.Errorf("breaker cooldown_cap %s must not be smaller than cooldown %s",
			c.Collector.Breaker.CooldownCap, c.Collector.Breaker.Cooldown)
	}
	return nil
}
