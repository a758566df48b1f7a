// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pipeline connects the sampling and delivery halves of the agent:
// a bounded FIFO buffer of delivery envelopes with an explicit backpressure
// policy, and the polling scheduler that feeds it.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/antimetal/sentinel/internal/config"
	"github.com/antimetal/sentinel/pkg/telemetry"
)

// EnqueueResult is the outcome of admitting a snapshot to the buffer
type EnqueueResult string

const (
	// Accepted means the snapshot was admitted without side effects.
	Accepted EnqueueResult = "accepted"
	// Dropped means the snapshot was admitted by evicting the oldest
	// buffered envelope (DropOldest policy).
	Dropped EnqueueResult = "dropped-oldest"
	// Rejected means the snapshot was refused because the buffer is full
	// (RejectNewest policy). The caller logs and discards it.
	Rejected EnqueueResult = "rejected"
)

// Buffer is a bounded, strictly ordered FIFO queue of delivery envelopes.
//
// It is the single synchronization point between the scheduler (producer)
// and the delivery worker (consumer); all operations hold one mutex so
// enqueue and dequeue never interleave inconsistently. Plain unbounded
// queues are deliberately not an option here: capacity plus an explicit
// eviction policy is what gives the agent its backpressure guarantee.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	policy   config.BackpressurePolicy
	entries  []*telemetry.DeliveryEnvelope

	// notify wakes the consumer without blocking the producer.
	notify chan struct{}

	// stats
	accepted atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
}

// BufferStats is a point-in-time view of buffer counters.
type BufferStats struct {
	Accepted uint64
	Dropped  uint64
	Rejected uint64
	Len      int
	Cap      int
}

// NewBuffer creates a buffer with the given capacity and policy.
func NewBuffer(cfg config.BufferConfig) *Buffer {
	return &Buffer{
		capacity: cfg.Capacity,
		policy:   cfg.Policy,
		entries:  make([]*telemetry.DeliveryEnvelope, 0, cfg.Capacity),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue wraps snapshot in a new envelope and admits it per the configured
// backpressure policy. Ownership of the snapshot transfers to the buffer.
func (b *Buffer) Enqueue(snapshot telemetry.Snapshot) EnqueueResult {
	env := telemetry.NewEnvelope(snapshot, time.Now())

	b.mu.Lock()
	result := Accepted
	if len(b.entries) >= b.capacity {
		switch b.policy {
		case config.PolicyRejectNewest:
			b.mu.Unlock()
			b.rejected.Add(1)
			return Rejected
		default: // DropOldest
			b.entries = b.entries[1:]
			result = Dropped
		}
	}
	b.entries = append(b.entries, env)
	b.mu.Unlock()

	if result == Dropped {
		b.dropped.Add(1)
	}
	b.accepted.Add(1)
	b.wake()
	return result
}

// PeekHead returns the oldest envelope without removing it, or nil if the
// buffer is empty. The delivery worker borrows the head this way for the
// duration of an attempt: the envelope keeps its slot, so capacity and the
// backpressure policy see it while it is in flight. Removal is committed
// afterwards with PopHeadIf.
func (b *Buffer) PeekHead() *telemetry.DeliveryEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[0]
}

// PopHead removes and returns the oldest envelope, or nil if empty.
func (b *Buffer) PopHead() *telemetry.DeliveryEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return nil
	}
	env := b.entries[0]
	b.entries = b.entries[1:]
	return env
}

// PopHeadIf removes the head only if it is still env, reporting whether the
// removal happened. The worker commits a finished attempt this way: if the
// borrowed head was evicted by DropOldest while in flight, the head now
// belongs to a different envelope and must not be removed.
func (b *Buffer) PopHeadIf(env *telemetry.DeliveryEnvelope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 || b.entries[0] != env {
		return false
	}
	b.entries = b.entries[1:]
	return true
}

// Len returns the current number of buffered envelopes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Policy returns the configured backpressure policy.
func (b *Buffer) Policy() config.BackpressurePolicy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}

// Update applies a reloaded buffer configuration. Shrinking the capacity
// below the current depth evicts per the new policy: oldest entries under
// DropOldest, newest under RejectNewest.
func (b *Buffer) Update(cfg config.BufferConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = cfg.Capacity
	b.policy = cfg.Policy

	for len(b.entries) > b.capacity {
		if b.policy == config.PolicyRejectNewest {
			b.entries = b.entries[:len(b.entries)-1]
		} else {
			b.entries = b.entries[1:]
		}
		b.dropped.Add(1)
	}
}

// Drop discards all buffered envelopes. Used when a second termination
// signal forces an immediate stop.
func (b *Buffer) Drop() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.entries)
	b.entries = b.entries[:0]
	return n
}

// NotifyChannel returns a channel that receives a notification when an
// envelope is enqueued. At most one notification is pending at a time.
func (b *Buffer) NotifyChannel() <-chan struct{} {
	return b.notify
}

// Stats returns current buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	length := len(b.entries)
	capacity := b.capacity
	b.mu.Unlock()

	return BufferStats{
		Accepted: b.accepted.Load(),
		Dropped:  b.dropped.Load(),
		Rejected: b.rejected.Load(),
		Len:      length,
		Cap:      capacity,
	}
}

func (b *Buffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
		// A notification is already pending.
	}
}
