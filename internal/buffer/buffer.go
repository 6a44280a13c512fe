// Package buffer provides the bounded event buffer that sits between the
// ingestion sources and the worker pool.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// DefaultHighWatermark is the occupancy fraction at which producers are
// told to slow down.
const DefaultHighWatermark = 0.8

// EventBuffer is a bounded multi-producer/multi-consumer queue of change
// events.
//
// Put blocks while the buffer is full and Get blocks while it is empty,
// each up to a caller-supplied timeout. Waiters are woken through a
// broadcast channel that is closed and replaced on every state change, so
// any number of blocked producers and consumers re-check their condition
// when capacity or events become available.
//
// Events are delivered in FIFO order. Callers must not depend on it across
// workers.
type EventBuffer struct {
	mu        sync.Mutex
	events    []ir.ChangeEvent
	maxSize   int
	watermark float64
	closed    bool
	changed   chan struct{}
}

// New creates an EventBuffer holding at most maxSize events. A
// highWatermark of 0 selects DefaultHighWatermark.
func New(maxSize int, highWatermark float64) (*EventBuffer, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("buffer: max size must be positive, got %d", maxSize)
	}
	if highWatermark == 0 {
		highWatermark = DefaultHighWatermark
	}
	if highWatermark < 0 || highWatermark > 1 {
		return nil, fmt.Errorf("buffer: high watermark must be in (0, 1], got %v", highWatermark)
	}
	return &EventBuffer{
		events:    make([]ir.ChangeEvent, 0, maxSize),
		maxSize:   maxSize,
		watermark: highWatermark,
		changed:   make(chan struct{}),
	}, nil
}

// broadcast wakes every waiter. Caller must hold b.mu.
func (b *EventBuffer) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Put appends ev, waiting up to timeout for free capacity. It returns false
// when the timeout expires, ctx is cancelled, or the buffer is closed. A
// false return is backpressure: the event was NOT stored and the caller
// remains responsible for it.
func (b *EventBuffer) Put(ctx context.Context, ev ir.ChangeEvent, timeout time.Duration) bool {
	var deadline <-chan time.Time
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return false
		}
		if len(b.events) < b.maxSize {
			b.events = append(b.events, ev)
			b.broadcast()
			b.mu.Unlock()
			return true
		}
		wait := b.changed
		b.mu.Unlock()

		if timeout <= 0 {
			return false
		}
		if deadline == nil {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case <-wait:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Get removes and returns the oldest event, waiting up to timeout for one
// to arrive. After Close, remaining events are still returned; once the
// buffer is closed and empty Get returns false immediately.
func (b *EventBuffer) Get(ctx context.Context, timeout time.Duration) (ir.ChangeEvent, bool) {
	return b.GetWith(ctx, timeout, nil)
}

// GetWith behaves like Get and additionally calls onDequeue with the event
// while the buffer lock is still held. Consumers use it to take a place in
// a per-record ordering queue atomically with the dequeue, so that events
// of one record are processed in the order they left the buffer.
// onDequeue must not call back into the buffer.
func (b *EventBuffer) GetWith(ctx context.Context, timeout time.Duration, onDequeue func(ir.ChangeEvent)) (ir.ChangeEvent, bool) {
	var deadline <-chan time.Time
	for {
		b.mu.Lock()
		if len(b.events) > 0 {
			ev := b.pop()
			if onDequeue != nil {
				onDequeue(ev)
			}
			b.broadcast()
			b.mu.Unlock()
			return ev, true
		}
		if b.closed {
			b.mu.Unlock()
			return ir.ChangeEvent{}, false
		}
		wait := b.changed
		b.mu.Unlock()

		if timeout <= 0 {
			return ir.ChangeEvent{}, false
		}
		if deadline == nil {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case <-wait:
		case <-deadline:
			return ir.ChangeEvent{}, false
		case <-ctx.Done():
			return ir.ChangeEvent{}, false
		}
	}
}

// pop removes the front event. Caller must hold b.mu.
func (b *EventBuffer) pop() ir.ChangeEvent {
	ev := b.events[0]
	// Release the payload reference held by the backing array.
	b.events[0] = ir.ChangeEvent{}
	if len(b.events) == 1 {
		b.events = b.events[:0]
	} else {
		b.events = b.events[1:]
	}
	return ev
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Cap returns the configured capacity.
func (b *EventBuffer) Cap() int {
	return b.maxSize
}

// Occupancy returns Len()/Cap() in [0, 1].
func (b *EventBuffer) Occupancy() float64 {
	return float64(b.Len()) / float64(b.maxSize)
}

// IsHighWatermark reports whether occupancy has reached the high watermark
// fraction. Producers use it to slow down before Put starts blocking.
func (b *EventBuffer) IsHighWatermark() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(len(b.events)) >= b.watermark*float64(b.maxSize)
}

// Clear discards all buffered events and returns how many were dropped.
// Callers that must account for every event should use Drain instead.
func (b *EventBuffer) Clear() int {
	return len(b.Drain())
}

// Drain removes and returns all buffered events without blocking.
func (b *EventBuffer) Drain() []ir.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == 0 {
		return nil
	}
	out := make([]ir.ChangeEvent, len(b.events))
	copy(out, b.events)
	b.events = make([]ir.ChangeEvent, 0, b.maxSize)
	b.broadcast()
	return out
}

// Close stops intake. Blocked producers return false; consumers keep
// receiving buffered events until the buffer is empty.
func (b *EventBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.broadcast()
}

// Closed reports whether Close has been called.
func (b *EventBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
