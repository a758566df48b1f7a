// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestControllerStartsRunning(t *testing.T) {
	c := NewController(logr.Discard())
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.SamplingAllowed())
}

func TestControllerReloadCycle(t *testing.T) {
	c := NewController(logr.Discard())

	require.NoError(t, c.BeginReload())
	assert.Equal(t, StateReloading, c.State())
	assert.False(t, c.SamplingAllowed())

	// A second reload cannot start while one is in progress.
	assert.Error(t, c.BeginReload())

	c.CompleteReload()
	assert.Equal(t, StateRunning, c.State())
	assert.True(t, c.SamplingAllowed())
}

func TestControllerDrainFromRunning(t *testing.T) {
	c := NewController(logr.Discard())

	assert.True(t, c.BeginDrain())
	assert.Equal(t, StateDraining, c.State())
	assert.False(t, c.SamplingAllowed())

	// No reload and no second drain once draining.
	assert.Error(t, c.BeginReload())
	assert.False(t, c.BeginDrain())

	c.MarkStopped()
	assert.Equal(t, StateStopped, c.State())
}

func TestControllerDrainInterruptsReload(t *testing.T) {
	c := NewController(logr.Discard())
	require.NoError(t, c.BeginReload())

	assert.True(t, c.BeginDrain())
	assert.Equal(t, StateDraining, c.State())

	// CompleteReload after the drain started must not resurrect Running.
	c.CompleteReload()
	assert.Equal(t, StateDraining, c.State())
}

func TestControllerStoppedIsTerminal(t *testing.T) {
	c := NewController(logr.Discard())
	require.True(t, c.BeginDrain())
	c.MarkStopped()

	assert.Error(t, c.BeginReload())
	assert.False(t, c.BeginDrain())
	assert.Equal(t, StateStopped, c.State())
}

func TestControllerDegradation(t *testing.T) {
	c := NewController(logr.Discard())

	c.ReportDegraded(errors.New("boom"), "collector refused snapshot")
	c.ReportDegraded(errors.New("boom"), "snapshot exceeded max delivery attempts")

	assert.Equal(t, uint64(2), c.DegradedCount())
	reason, at := c.LastDegradation()
	assert.Equal(t, "snapshot exceeded max delivery attempts", reason)
	assert.WithinDuration(t, time.Now(), at, time.Second)
	assert.Equal(t, StateRunning, c.State(), "degradation must not change lifecycle state")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "reloading", StateReloading.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
}

func TestObserveSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := NewController(logr.Discard())
	events := ObserveSignals(ctx, logr.Discard(), ctrl)

	self := unix.Getpid()

	// SIGHUP while running requests a reload.
	require.NoError(t, unix.Kill(self, unix.SIGHUP))
	select {
	case <-events.Reload:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reload event")
	}

	// First SIGTERM requests a drain.
	require.NoError(t, unix.Kill(self, unix.SIGTERM))
	select {
	case <-events.Drain:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a drain event")
	}
	require.True(t, ctrl.BeginDrain())

	// Second termination signal forces a stop.
	require.NoError(t, unix.Kill(self, unix.SIGINT))
	select {
	case <-events.Force:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a force-stop event")
	}
}
