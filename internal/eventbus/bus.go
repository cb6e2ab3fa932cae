// Package eventbus carries vital events from ingestion to the alert worker.
//
// Contract:
//   - At most one subscription is attached at a time.
//   - Publish blocks while the subscriber buffer is full (backpressure).
//   - Events reach the subscriber in publish order, each exactly once.
//   - With no subscriber attached, Publish drops the event and returns nil.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"vitalwatch/internal/vitals"
)

var ErrClosed = errors.New("eventbus: closed")

// Stats are best-effort counters for health output.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Attached  bool   `json:"attached"`
	Buffered  int    `json:"buffered"`
	Closed    bool   `json:"closed"`
}

type Bus struct {
	mu     sync.Mutex
	closed bool
	active *Subscription

	published atomic.Uint64
	dropped   atomic.Uint64
}

func New() *Bus { return &Bus{} }

// Subscribe attaches a subscription buffering up to buffer events
// (minimum 1). When the bus is closed or another subscription is
// attached, the returned subscription is already terminated and the
// live one is left untouched.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.active != nil {
		return terminated()
	}
	s := &Subscription{
		bus:  b,
		ch:   make(chan vitals.Event, buffer),
		done: make(chan struct{}),
	}
	b.active = s
	return s
}

// Publish hands e to the attached subscriber, waiting for buffer space.
// It returns ErrClosed when the bus or the subscription is terminated,
// and ctx.Err() if the caller gives up while waiting.
func (b *Bus) Publish(ctx context.Context, e vitals.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	s := b.active
	b.mu.Unlock()

	if s == nil {
		b.dropped.Add(1)
		return nil
	}
	if err := s.offer(ctx, e); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Close terminates the bus permanently. Blocked publishers are released
// with ErrClosed and the active subscription ends once drained.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	s := b.active
	b.active = nil
	b.mu.Unlock()

	if s != nil {
		s.terminate()
	}
}

// Attached reports whether a live subscription holds the slot.
func (b *Bus) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active != nil
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	st := Stats{Closed: b.closed, Attached: b.active != nil}
	if b.active != nil {
		st.Buffered = len(b.active.ch)
	}
	b.mu.Unlock()
	st.Published = b.published.Load()
	st.Dropped = b.dropped.Load()
	return st
}

func (b *Bus) detach(s *Subscription) {
	b.mu.Lock()
	if b.active == s {
		b.active = nil
	}
	b.mu.Unlock()
}
