// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package delivery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/antimetal/sentinel/internal/config"
	"github.com/antimetal/sentinel/internal/pipeline"
)

// HealthReporter receives degradation reports from the delivery path. The
// lifecycle controller implements it; delivery failures degrade the agent's
// health without stopping it.
type HealthReporter interface {
	ReportDegraded(err error, reason string)
}

// WorkerStats is a point-in-time view of delivery counters.
type WorkerStats struct {
	Sent           uint64
	FailedAttempts uint64
	Discarded      uint64
}

// Worker is the sequential delivery loop. It consumes envelopes from the
// head of the buffer one at a time, preserving snapshot order end to end:
// a failed head is retried in place, never skipped.
type Worker struct {
	logger  logr.Logger
	buffer  *pipeline.Buffer
	client  *Client
	breaker *Breaker
	health  HealthReporter

	mu          sync.Mutex
	bo          *backoff.ExponentialBackOff
	maxAttempts int

	sent           atomic.Uint64
	failedAttempts atomic.Uint64
	discarded      atomic.Uint64
}

// NewWorker creates a delivery worker consuming from buffer.
func NewWorker(logger logr.Logger, buffer *pipeline.Buffer, client *Client,
	breaker *Breaker, health HealthReporter, cfg config.RetryConfig,
) *Worker {
	return &Worker{
		logger:      logger.WithName("delivery.worker"),
		buffer:      buffer,
		client:      client,
		breaker:     breaker,
		health:      health,
		bo:          newBackOff(cfg),
		maxAttempts: cfg.MaxAttempts,
	}
}

// newBackOff builds the retry delay sequence: base, 2x, 4x... capped at the
// max delay, each randomized by the jitter fraction.
func newBackOff(cfg config.RetryConfig) *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.BaseDelay,
		RandomizationFactor: cfg.JitterFraction,
		Multiplier:          2,
		MaxInterval:         cfg.MaxDelay,
	}
	bo.Reset()
	return bo
}

// Run consumes envelopes until ctx is cancelled. It always returns nil;
// delivery failures degrade health but never abort the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("starting delivery worker", "endpoint", w.client.Endpoint())

	for {
		if w.buffer.PeekHead() == nil {
			select {
			case <-ctx.Done():
				w.logger.Info("delivery worker stopped", "sent", w.sent.Load())
				return nil
			case <-w.buffer.NotifyChannel():
				continue
			}
		}

		if !w.step(ctx) {
			w.logger.Info("delivery worker stopped", "sent", w.sent.Load())
			return nil
		}
	}
}

// Drain attempts to flush every buffered envelope before ctx's deadline.
// The breaker and backoff still apply: a collector that is down does not
// get hammered just because the agent is shutting down.
func (w *Worker) Drain(ctx context.Context) error {
	for w.buffer.Len() > 0 {
		if ctx.Err() != nil {
			remaining := w.buffer.Len()
			return fmt.Errorf("drain deadline exceeded with %d envelopes remaining", remaining)
		}
		if !w.step(ctx) {
			if remaining := w.buffer.Len(); remaining > 0 {
				return fmt.Errorf("drain interrupted with %d envelopes remaining", remaining)
			}
			return nil
		}
	}
	return nil
}

// step processes the head envelope through one delivery attempt, including
// any breaker or backoff wait that precedes it. It returns false when ctx
// was cancelled and the loop should exit.
//
// The envelope is borrowed via PeekHead for the whole attempt and removed
// only on a committed outcome (Sent, Fatal, attempt budget exhausted), so it
// keeps occupying its buffer slot while in flight. Under RejectNewest a full
// buffer therefore never loses the oldest envelope to a concurrent enqueue;
// under DropOldest the in-flight head remains eligible for eviction, which
// PopHeadIf detects.
func (w *Worker) step(ctx context.Context) bool {
	if ok, wait := w.breaker.Allow(); !ok {
		w.logger.V(1).Info("circuit open, waiting", "wait", wait)
		return sleepCtx(ctx, wait)
	}

	env := w.buffer.PeekHead()
	if env == nil {
		return ctx.Err() == nil
	}

	env.RecordAttempt(time.Now().UTC())
	outcome, err := w.client.Deliver(ctx, env)

	switch outcome {
	case Sent:
		w.buffer.PopHeadIf(env)
		w.sent.Add(1)
		w.breaker.OnSuccess()
		w.resetBackOff()
		w.logger.V(1).Info("snapshot delivered",
			"sequence", env.Snapshot.Sequence, "attempts", env.AttemptCount)
		return true

	case Fatal:
		w.buffer.PopHeadIf(env)
		w.discarded.Add(1)
		w.resetBackOff()
		w.logger.Error(err, "collector refused snapshot, discarding",
			"sequence", env.Snapshot.Sequence)
		if w.health != nil {
			w.health.ReportDegraded(err, "collector refused snapshot")
		}
		return true

	default: // Retryable
		w.failedAttempts.Add(1)
		w.breaker.OnFailure()

		if ctx.Err() != nil {
			// Shutting down mid-attempt: the envelope is still at the head
			// for drain to pick up.
			return false
		}

		if limit := w.maxAttemptsValue(); limit > 0 && int(env.AttemptCount) >= limit {
			w.buffer.PopHeadIf(env)
			w.discarded.Add(1)
			w.resetBackOff()
			w.logger.Error(err, "snapshot exceeded max delivery attempts, discarding",
				"sequence", env.Snapshot.Sequence, "attempts", env.AttemptCount)
			if w.health != nil {
				w.health.ReportDegraded(err, "snapshot exceeded max delivery attempts")
			}
			return true
		}

		if w.buffer.PeekHead() != env {
			// Evicted by backpressure while in flight; nothing to retry.
			w.resetBackOff()
			w.logger.Info("snapshot evicted during retry, skipping",
				"sequence", env.Snapshot.Sequence)
			return true
		}

		delay := w.nextBackOff()
		w.logger.V(1).Info("delivery attempt failed, backing off",
			"sequence", env.Snapshot.Sequence,
			"attempts", env.AttemptCount,
			"delay", delay,
			"error", err.Error())
		return sleepCtx(ctx, delay)
	}
}

// Update applies a reloaded retry configuration. The in-progress backoff
// sequence restarts from the new base delay.
func (w *Worker) Update(cfg config.RetryConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bo = newBackOff(cfg)
	w.maxAttempts = cfg.MaxAttempts
}

// Stats returns current delivery counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Sent:           w.sent.Load(),
		FailedAttempts: w.failedAttempts.Load(),
		Discarded:      w.discarded.Load(),
	}
}

func (w *Worker) nextBackOff() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bo.NextBackOff()
}

func (w *Worker) resetBackOff() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bo.Reset()
}

func (w *Worker) maxAttemptsValue() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxAttempts
}

// sleepCtx waits for d or until ctx is cancelled, reporting whether the
// caller should keep running.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
