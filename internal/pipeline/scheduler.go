// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/sentinel/internal/config"
	"github.com/antimetal/sentinel/pkg/sensors"
	"github.com/antimetal/sentinel/pkg/telemetry"
)

// summaryEvery is how many completed ticks pass between host summary logs.
const summaryEvery = 10

// Gate reports whether the agent is currently in a state that permits
// sampling. While reloading or draining the scheduler keeps ticking but
// skips the sample.
type Gate interface {
	SamplingAllowed() bool
}

// SnapshotObserver receives every assembled snapshot after it has been
// offered to the buffer. Used for the optional metrics mirror; it must not
// block the tick.
type SnapshotObserver func(telemetry.Snapshot)

// SchedulerOption configures optional scheduler behavior.
type SchedulerOption func(*Scheduler)

// WithSnapshotObserver registers fn to be called with each assembled
// snapshot.
func WithSnapshotObserver(fn SnapshotObserver) SchedulerOption {
	return func(s *Scheduler) {
		s.observers = append(s.observers, fn)
	}
}

// Scheduler drives the sampling loop: every interval, plus or minus a
// uniform jitter, it samples the sensor source, assembles a snapshot and
// enqueues it. Ticks never overlap; a slow sample delays the next tick
// rather than stacking a second sample on top of it.
type Scheduler struct {
	logger    logr.Logger
	assembler *telemetry.Assembler
	buffer    *Buffer
	gate      Gate
	observers []SnapshotObserver

	mu            sync.Mutex
	source        sensors.Source
	interval      time.Duration
	jitter        time.Duration
	sampleTimeout time.Duration
	// authFailed latches after the source rejects our credentials. No
	// further samples are attempted until a reload clears it.
	authFailed bool

	ticks uint64
}

// NewScheduler creates a scheduler sampling src on the cadence described by
// cfg, pushing assembled snapshots into buffer.
func NewScheduler(logger logr.Logger, src sensors.Source, assembler *telemetry.Assembler,
	buffer *Buffer, gate Gate, cfg config.Config, opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		logger:        logger.WithName("scheduler"),
		assembler:     assembler,
		buffer:        buffer,
		gate:          gate,
		source:        src,
		interval:      cfg.Interval,
		jitter:        cfg.Jitter,
		sampleTimeout: cfg.SampleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled. It always returns nil; individual tick
// failures are logged and skipped, never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("starting polling scheduler",
		"source", s.sourceName(), "interval", s.intervalValue(), "jitter", s.jitterValue())

	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("polling scheduler stopped", "ticks", s.ticks)
			return nil
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.nextDelay())
		}
	}
}

// tick runs one sample-assemble-enqueue cycle.
func (s *Scheduler) tick(ctx context.Context) {
	if s.gate != nil && !s.gate.SamplingAllowed() {
		s.logger.V(1).Info("tick suspended")
		return
	}

	s.mu.Lock()
	src := s.source
	timeout := s.sampleTimeout
	skip := s.authFailed
	s.mu.Unlock()

	if skip {
		s.logger.V(1).Info("sampling disabled after authentication failure; waiting for reload")
		return
	}

	sampleCtx, cancel := context.WithTimeout(ctx, timeout)
	raw, err := src.Sample(sampleCtx)
	cancel()
	if err != nil {
		s.handleSampleError(err, src.Name())
		return
	}

	snapshot := s.assembler.Assemble(raw, time.Now().UTC())
	result := s.buffer.Enqueue(snapshot)
	switch result {
	case Dropped:
		s.logger.Info("buffer full, dropped oldest snapshot to admit new one",
			"sequence", snapshot.Sequence, "capacity", s.buffer.Cap())
	case Rejected:
		s.logger.Info("buffer full, rejected new snapshot",
			"sequence", snapshot.Sequence, "capacity", s.buffer.Cap())
	}

	for _, fn := range s.observers {
		fn(snapshot)
	}

	s.ticks++
	if s.ticks%summaryEvery == 0 {
		s.logSummary(snapshot)
	}
}

// handleSampleError classifies a sample failure and decides whether the
// source stays eligible for the next tick.
func (s *Scheduler) handleSampleError(err error, source string) {
	switch {
	case errors.Is(err, sensors.ErrAuthFailure):
		s.mu.Lock()
		s.authFailed = true
		s.mu.Unlock()
		s.logger.Error(err, "sensor source rejected credentials; sampling paused until reload",
			"source", source)
	case errors.Is(err, sensors.ErrSampleTimeout):
		s.logger.Info("sensor sample timed out, skipping tick", "source", source)
	case errors.Is(err, sensors.ErrUnreachable):
		s.logger.Info("sensor source unreachable, skipping tick",
			"source", source, "error", err.Error())
	case errors.Is(err, sensors.ErrMalformedResponse):
		s.logger.Error(err, "sensor source returned malformed data, skipping tick",
			"source", source)
	case errors.Is(err, sensors.ErrSourceUnavailable):
		s.logger.Error(err, "sensor source unavailable, skipping tick", "source", source)
	default:
		s.logger.Error(err, "sensor sample failed, skipping tick", "source", source)
	}
}

// logSummary emits a periodic host overview so operators can eyeball the
// stream without tailing every snapshot.
func (s *Scheduler) logSummary(snapshot telemetry.Snapshot) {
	var maxTemp float64
	temps := 0
	for _, r := range snapshot.Readings {
		if r.Unit != telemetry.UnitCelsius {
			continue
		}
		temps++
		if r.Value > maxTemp {
			maxTemp = r.Value
		}
	}

	stats := s.buffer.Stats()
	s.logger.Info("host summary",
		"host", snapshot.HostID,
		"sequence", snapshot.Sequence,
		"readings", len(snapshot.Readings),
		"temperature_sensors", temps,
		"max_temperature_c", maxTemp,
		"buffer_depth", stats.Len,
		"buffer_dropped", stats.Dropped,
		"buffer_rejected", stats.Rejected,
	)
}

// Update applies a reloaded configuration. Cadence changes take effect on
// the next tick; an authentication latch is cleared so new credentials get
// a chance.
func (s *Scheduler) Update(cfg config.Config, src sensors.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = cfg.Interval
	s.jitter = cfg.Jitter
	s.sampleTimeout = cfg.SampleTimeout
	if src != nil {
		s.source = src
	}
	s.authFailed = false
}

/// nextDelay returns the delay until the next tick: interval plus a uniform
// offset in [-jitter, +jitter], resampled every tick so fleets desynchronize.
func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	interval, jitter := s.interval, s.jitter
	s.mu.Unlock()

	if jitter <= 0 {
		return interval
	}
	offset := time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	return interval + offset
}

func (s *Scheduler) sourceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source.Name()
}

func (s *Scheduler) intervalValue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) jitterValue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jitter
}
