package notifier

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	logx "vitalwatch/pkg/logx"
)

const (
	DefaultMinDelay = 5 * time.Second
	DefaultMaxDelay = 20 * time.Second
)

// QueueConfig bounds the simulated delivery latency.
type QueueConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

func (c QueueConfig) normalized() QueueConfig {
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	if c.MinDelay == 0 && c.MaxDelay == 0 {
		c.MinDelay, c.MaxDelay = DefaultMinDelay, DefaultMaxDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	return c
}

// Listener observes every message transition. Listeners run synchronously
// on the goroutine causing the transition and must not call Enqueue or
// AddListener.
type Listener func(Message)

// Counts is a snapshot of the queue by status.
type Counts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Total      int `json:"total"`
}

type QueueOption func(*Queue)

// WithClock overrides the wall clock used for message timestamps.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithSeed makes the delay draw deterministic.
func WithSeed(seed int64) QueueOption {
	return func(q *Queue) { q.rng = rand.New(rand.NewSource(seed)) }
}

type Queue struct {
	log logx.Logger
	now func() time.Time

	// dispatchMu orders listener calls: a message's transitions are
	// observed in the order they happened, and AddListener never races a
	// dispatch.
	dispatchMu sync.Mutex
	listeners  []Listener

	mu       sync.Mutex
	cfg      QueueConfig
	rng      *rand.Rand
	seq      int64
	messages []Message
	index    map[int64]int
	pending  []int64
}

func NewQueue(cfg QueueConfig, log logx.Logger, opts ...QueueOption) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		log:   log,
		now:   time.Now,
		cfg:   cfg.normalized(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		index: map[int64]int{},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Apply swaps the delay bounds. Messages already being held keep their delay.
func (q *Queue) Apply(cfg QueueConfig) {
	q.mu.Lock()
	q.cfg = cfg.normalized()
	q.mu.Unlock()
}

func (q *Queue) Config() QueueConfig {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Enqueue records a new QUEUED message and notifies listeners.
func (q *Queue) Enqueue(patientID, content string) Message {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	q.mu.Lock()
	q.seq++
	m := Message{
		ID:        q.seq,
		PatientID: patientID,
		Content:   content,
		Status:    StatusQueued,
		QueuedAt:  q.now(),
	}
	q.index[m.ID] = len(q.messages)
	q.messages = append(q.messages, m)
	q.pending = append(q.pending, m.ID)
	q.mu.Unlock()

	q.dispatch(m)
	return m
}

// ProcessNext delivers the oldest pending message.
//
// It returns ok=false with a nil error when nothing is pending. Otherwise
// the message moves to PROCESSING, is held for a random delay within the
// configured bounds, then moves to SENT and is returned in its final state.
// If ctx ends during the hold, ProcessNext returns the PROCESSING snapshot
// with ctx.Err(); the message stays PROCESSING and is not retried.
func (q *Queue) ProcessNext(ctx context.Context) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	m, delay, ok := q.take()
	if !ok {
		return Message{}, false, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		q.log.Debug("delivery interrupted", logx.Int64("id", m.ID), logx.Duration("delay", delay))
		return m, true, ctx.Err()
	case <-timer.C:
	}

	sent, err := q.finish(m.ID)
	if err != nil {
		return m, true, err
	}
	return sent, true, nil
}

func (q *Queue) take() (Message, time.Duration, bool) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return Message{}, 0, false
	}
	id := q.pending[0]
	q.pending[0] = 0
	q.pending = q.pending[1:]
	i := q.index[id]
	m, err := advance(q.messages[i], StatusProcessing, q.now())
	if err != nil {
		q.mu.Unlock()
		q.log.Error("pending message in unexpected state", logx.Int64("id", id), logx.Err(err))
		return Message{}, 0, false
	}
	q.messages[i] = m
	delay := q.delayLocked()
	q.mu.Unlock()

	q.dispatch(m)
	return m, delay, true
}

func (q *Queue) finish(id int64) (Message, error) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	q.mu.Lock()
	i := q.index[id]
	m, err := advance(q.messages[i], StatusSent, q.now())
	if err != nil {
		q.mu.Unlock()
		return Message{}, err
	}
	q.messages[i] = m
	q.mu.Unlock()

	q.dispatch(m)
	return m, nil
}

func (q *Queue) delayLocked() time.Duration {
	lo, hi := q.cfg.MinDelay, q.cfg.MaxDelay
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(q.rng.Int63n(int64(hi-lo)+1))
}

// ListMessages returns a copy of every message in enqueue order.
func (q *Queue) ListMessages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.messages))
	copy(out, q.messages)
	return out
}

// Get returns the current state of message id.
func (q *Queue) Get(id int64) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, ok := q.index[id]
	if !ok {
		return Message{}, false
	}
	return q.messages[i], true
}

// Pending is the number of QUEUED messages.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stalled lists PROCESSING messages that entered that state more than
// olderThan ago.
func (q *Queue) Stalled(olderThan time.Duration) []Message {
	cutoff := q.now().Add(-olderThan)
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Message
	for _, m := range q.messages {
		if m.Status == StatusProcessing && m.ProcessingAt.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := Counts{Total: len(q.messages)}
	for _, m := range q.messages {
		switch m.Status {
		case StatusQueued:
			c.Queued++
		case StatusProcessing:
			c.Processing++
		case StatusSent:
			c.Sent++
		}
	}
	return c
}

// AddListener registers fn for all future transitions.
func (q *Queue) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	q.dispatchMu.Lock()
	q.listeners = append(q.listeners, fn)
	q.dispatchMu.Unlock()
}

// dispatch must be called with dispatchMu held.
func (q *Queue) dispatch(m Message) {
	for _, fn := range q.listeners {
		q.call(fn, m)
	}
}

func (q *Queue) call(fn Listener, m Message) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Warn("listener panicked", logx.Int64("id", m.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(m)
}
