// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package lifecycle owns the agent's operational state machine and its
// reaction to process signals: reload on SIGHUP, graceful drain on
// SIGTERM/SIGINT, forced stop on a second termination signal.
package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// State is the agent's operational state. Transitions are guarded: an
// invalid transition is rejected rather than silently coerced.
type State int32

const (
	// StateRunning is normal operation: sampling, buffering, delivering.
	StateRunning State = iota
	// StateReloading briefly suspends ticks while a new configuration is
	// validated and applied.
	StateReloading
	// StateDraining stops sampling and flushes the buffer before exit.
	StateDraining
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateReloading:
		return "reloading"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Controller is the agent's lifecycle state machine. It also aggregates
// health: repeated delivery failures degrade the agent without stopping it,
// and the degradation is visible to operators through logs and counters.
type Controller struct {
	logger logr.Logger

	mu    sync.Mutex
	state State

	degraded     atomic.Uint64
	lastMu       sync.Mutex
	lastReason   string
	lastDegraded time.Time
}

// NewController creates a controller in the Running state.
func NewController(logger logr.Logger) *Controller {
	return &Controller{
		logger: logger.WithName("lifecycle"),
		state:  StateRunning,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SamplingAllowed reports whether the scheduler may sample. Only the
// Running state produces new snapshots.
func (c *Controller) SamplingAllowed() bool {
	return c.State() == StateRunning
}

// BeginReload moves Running to Reloading. It fails from any other state so
// a reload cannot interrupt a drain.
func (c *Controller) BeginReload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return fmt.Errorf("cannot reload while %s", c.state)
	}
	c.state = StateReloading
	c.logger.Info("lifecycle transition", "from", StateRunning, "to", StateReloading)
	return nil
}

// CompleteReload returns Reloading to Running. Called whether the new
// configuration was applied or rejected; a rejected reload leaves the
// previous configuration in effect.
func (c *Controller) CompleteReload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReloading {
		return
	}
	c.state = StateRunning
	c.logger.Info("lifecycle transition", "from", StateReloading, "to", StateRunning)
}

// BeginDrain moves Running or Reloading to Draining. It reports false if
// the agent is already draining or stopped.
func (c *Controller) BeginDrain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning && c.state != StateReloading {
		return false
	}
	from := c.state
	c.state = StateDraining
	c.logger.Info("lifecycle transition", "from", from, "to", StateDraining)
	return true
}

// MarkStopped moves the controller to the terminal Stopped state.
func (c *Controller) MarkStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	from := c.state
	c.state = StateStopped
	c.logger.Info("lifecycle transition", "from", from, "to", StateStopped)
}

// ReportDegraded records a health degradation. The agent keeps running;
// degradation is operator-visible, not fatal.
func (c *Controller) ReportDegraded(err error, reason string) {
	c.degraded.Add(1)
	c.lastMu.Lock()
	c.lastReason = reason
	c.lastDegraded = time.Now()
	c.lastMu.Unlock()
	c.logger.Error(err, "agent degraded", "reason", reason, "count", c.degraded.Load())
}

// DegradedCount returns how many degradation reports have been recorded.
func (c *Controller) DegradedCount() uint64 {
	return c.degraded.Load()
}

// LastDegradation returns the most recent degradation reason and time.
func (c *Controller) LastDegradation() (string, time.Time) {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return c.lastReason, c.lastDegraded
}
