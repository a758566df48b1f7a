// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package delivery

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/sentinel/internal/config"
)

// BreakerState is the circuit breaker's current disposition.
type BreakerState string

const (
	// BreakerClosed admits every attempt.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen refuses attempts until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits exactly one probe attempt.
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker is the delivery circuit breaker. A run of consecutive retryable
// failures opens it; while open no attempts are made. After a cooldown a
// single probe is allowed: success closes the circuit, failure reopens it
// with the cooldown doubled, up to a cap.
type Breaker struct {
	logger logr.Logger

	mu        sync.Mutex
	threshold int
	baseCool  time.Duration
	coolCap   time.Duration

	state       BreakerState
	consecutive int
	cooldown    time.Duration
	reopenAt    time.Time

	// now is swapped in tests to drive cooldown expiry deterministically.
	now func() time.Time
}

// NewBreaker creates a closed breaker with the configured thresholds.
func NewBreaker(logger logr.Logger, cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		logger:    logger.WithName("delivery.breaker"),
		threshold: cfg.FailureThreshold,
		baseCool:  cfg.Cooldown,
		coolCap:   cfg.CooldownCap,
		state:     BreakerClosed,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
}

// Allow reports whether an attempt may proceed. When the circuit is open it
// returns false and the remaining wait; once the cooldown has elapsed it
// transitions to half-open and admits a single probe.
func (b *Breaker) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true, 0
	default:
		remaining := b.reopenAt.Sub(b.now())
		if remaining > 0 {
			return false, remaining
		}
		b.state = BreakerHalfOpen
		b.logger.Info("circuit half-open, probing collector")
		return true, 0
	}
}

// OnSuccess records a successful delivery: the circuit closes and the
// cooldown resets to its base value.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		b.logger.Info("circuit closed, collector recovered")
	}
	b.state = BreakerClosed
	b.consecutive = 0
	b.cooldown = b.baseCool
}

// OnFailure records a retryable delivery failure. A half-open probe failure
// reopens the circuit with a doubled cooldown; in the closed state the
// consecutive failure count opens the circuit once it reaches the threshold.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.cooldown = min(2*b.cooldown, b.coolCap)
		b.open()
		return
	}

	b.consecutive++
	if b.state == BreakerClosed && b.consecutive >= b.threshold {
		b.open()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Update applies a reloaded breaker configuration. The circuit state and
// failure run are preserved; only the thresholds change.
func (b *Breaker) Update(cfg config.BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threshold = cfg.FailureThreshold
	b.baseCool = cfg.Cooldown
	b.coolCap = cfg.CooldownCap
	if b.cooldown < b.baseCool {
		b.cooldown = b.baseCool
	}
	if b.cooldown > b.coolCap {
		b.cooldown = b.coolCap
	}
}

// open transitions to the open state using the current cooldown. Callers
// hold b.mu.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.reopenAt = b.now().Add(b.cooldown)
	b.logger.Info("circuit opened, suspending delivery",
		"cooldown", b.cooldown, "consecutive_failures", b.consecutive)
}
