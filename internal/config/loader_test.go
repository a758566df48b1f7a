// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoaderParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	writeFile(t, path, `
interval: 15s
jitter: 2s
source:
  type: esxi
  endpoint: https://esxi.local
  username: root
  password: secret
buffer:
  capacity: 128
  policy: reject-newest
collector:
  endpoint: https://collector.example.com/ingest
  token: abc123
  retry:
    base_delay: 1s
    max_delay: 30s
    jitter_fraction: 0.1
    max_attempts: 8
  breaker:
    failure_threshold: 3
    cooldown: 10s
    cooldown_cap: 2m
`)

	loader := NewLoader(path, logr.Discard())
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Interval)
	assert.Equal(t, 2*time.Second, cfg.Jitter)
	assert.Equal(t, "esxi", cfg.Source.Type)
	assert.Equal(t, "https://esxi.local", cfg.Source.Endpoint)
	assert.Equal(t, 128, cfg.Buffer.Capacity)
	assert.Equal(t, PolicyRejectNewest, cfg.Buffer.Policy)
	assert.Equal(t, "abc123", cfg.Collector.Token)
	assert.Equal(t, 8, cfg.Collector.Retry.MaxAttempts)
	assert.Equal(t, 3, cfg.Collector.Breaker.FailureThreshold)

	// Unset fields resolve to defaults.
	assert.Equal(t, 5*time.Second, cfg.SampleTimeout)
	assert.Equal(t, 15*time.Second, cfg.DrainGracePeriod)
}

func TestLoaderNoFileUsesDefaults(t *testing.T) {
	loader := NewLoader("", logr.Discard())
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Interval, cfg.Interval)
	assert.Equal(t, Default().Collector.Endpoint, cfg.Collector.Endpoint)
}

func TestLoaderMissingFileFails(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"), logr.Discard())
	_, err := loader.Load()
	assert.Error(t, err)
}

func TestLoaderInvalidConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	writeFile(t, path, "interval: 1s\njitter: 5s\n")

	loader := NewLoader(path, logr.Discard())
	_, err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jitter")
}

func TestLoaderEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	writeFile(t, path, `
collector:
  endpoint: http://file.example.com/ingest
source:
  type: local
`)

	t.Setenv("SENTINEL_COLLECTOR_ENDPOINT", "http://env.example.com/ingest")
	t.Setenv("SENTINEL_COLLECTOR_TOKEN", "env-token")
	t.Setenv("SENTINEL_SOURCE", "mock")
	t.Setenv("SENTINEL_INTERVAL", "25")

	loader := NewLoader(path, logr.Discard())
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "http://env.example.com/ingest", cfg.Collector.Endpoint)
	assert.Equal(t, "env-token", cfg.Collector.Token)
	assert.Equal(t, "mock", cfg.Source.Type)
	assert.Equal(t, 25*time.Second, cfg.Interval, "bare integers are seconds")
}

func TestLoaderEnvironmentDurationInterval(t *testing.T) {
	t.Setenv("SENTINEL_INTERVAL", "90s")

	loader := NewLoader("", logr.Discard())
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Interval)
}

func TestLoaderWatchNotifiesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	writeFile(t, path, "interval: 10s\n")

	loader := NewLoader(path, logr.Discard())
	changes, err := loader.Watch()
	require.NoError(t, err)
	defer func() { require.NoError(t, loader.Close()) }()

	writeFile(t, path, "interval: 20s\n")

	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("expected a change notification")
	}
}

func TestLoaderWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.yaml")
	writeFile(t, path, "interval: 10s\n")

	loader := NewLoader(path, logr.Discard())
	changes, err := loader.Watch()
	require.NoError(t, err)
	defer func() { require.NoError(t, loader.Close()) }()

	writeFile(t, filepath.Join(dir, "other.yaml"), "unrelated: true\n")

	select {
	case <-changes:
		t.Fatal("sibling file writes must not trigger a reload")
	case <-time.After(200 * time.Millisecond):
	}
}
