package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"vitalwatch/internal/vitals"
)

// Subscription is the consumer handle returned by Bus.Subscribe.
type Subscription struct {
	bus  *Bus
	ch   chan vitals.Event
	done chan struct{}
	once sync.Once

	// cancelled is set before done closes when the consumer walks away.
	// Events buffered after that are never read.
	cancelled atomic.Bool
}

func terminated() *Subscription {
	s := &Subscription{ch: make(chan vitals.Event), done: make(chan struct{})}
	s.once.Do(func() { close(s.done) })
	return s
}

// Next returns the oldest buffered event. Once the subscription is
// terminated it keeps returning buffered events until none are left,
// then ErrClosed.
func (s *Subscription) Next(ctx context.Context) (vitals.Event, error) {
	select {
	case e := <-s.ch:
		return e, nil
	default:
	}

	select {
	case e := <-s.ch:
		return e, nil
	case <-s.done:
		select {
		case e := <-s.ch:
			return e, nil
		default:
			return vitals.Event{}, ErrClosed
		}
	case <-ctx.Done():
		return vitals.Event{}, ctx.Err()
	}
}

// Cancel detaches the subscription so another consumer may attach.
// Publishers blocked on it return ErrClosed. Safe to call repeatedly.
func (s *Subscription) Cancel() {
	s.cancelled.Store(true)
	if s.bus != nil {
		s.bus.detach(s)
	}
	s.terminate()
}

// offer buffers e, waiting for space. select picks at random among ready
// cases, so a send that won against a cancel is reported as ErrClosed. A
// send racing Bus.Close stays delivered since Next drains the buffer.
func (s *Subscription) offer(ctx context.Context, e vitals.Event) error {
	select {
	case s.ch <- e:
		if s.cancelled.Load() {
			return ErrClosed
		}
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) terminate() {
	s.once.Do(func() { close(s.done) })
}

// Done is closed when the subscription is terminated.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Len is the number of buffered, undelivered events.
func (s *Subscription) Len() int { return len(s.ch) }

// Cap is the buffer size.
func (s *Subscription) Cap() int { return cap(s.ch) }
