package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "vitalwatch/pkg/logx"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func fastQueue(opts ...QueueOption) *Queue {
	return NewQueue(QueueConfig{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, logx.Nop(), opts...)
}

type recorder struct {
	mu   sync.Mutex
	seen []Message
}

func (r *recorder) listen(m Message) {
	r.mu.Lock()
	r.seen = append(r.seen, m)
	r.mu.Unlock()
}

func (r *recorder) statuses(id int64) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, m := range r.seen {
		if m.ID == id {
			out = append(out, m.Status)
		}
	}
	return out
}

func TestAdvance(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := Message{ID: 1, Status: StatusQueued, QueuedAt: at}

	if _, err := advance(m, StatusSent, at); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("QUEUED -> SENT err = %v, want ErrInvalidTransition", err)
	}
	p, err := advance(m, StatusProcessing, at.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !p.ProcessingAt.Equal(at) {
		t.Fatalf("ProcessingAt = %v, want clamp to QueuedAt %v", p.ProcessingAt, at)
	}
	if m.Status != StatusQueued {
		t.Fatal("advance mutated its input")
	}
	s, err := advance(p, StatusSent, at.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusSent || !s.SentAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("unexpected sent message %+v", s)
	}
	if _, err := advance(s, StatusProcessing, at); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("SENT -> PROCESSING err = %v", err)
	}
	if _, err := advance(s, StatusSent+1, at); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("SENT -> beyond err = %v", err)
	}
}

func TestQueueLifecycle(t *testing.T) {
	t.Parallel()

	clk := newStepClock()
	q := fastQueue(WithClock(clk.Now))
	var rec recorder
	q.AddListener(rec.listen)

	m1 := q.Enqueue("p-1", "first")
	m2 := q.Enqueue("p-2", "second")
	if m1.ID >= m2.ID {
		t.Fatalf("ids not increasing: %d, %d", m1.ID, m2.ID)
	}
	if m1.Status != StatusQueued || m1.QueuedAt.IsZero() || !m1.ProcessingAt.IsZero() || !m1.SentAt.IsZero() {
		t.Fatalf("unexpected queued message %+v", m1)
	}

	list := q.ListMessages()
	if len(list) != 2 || list[0].ID != m1.ID || list[1].ID != m2.ID {
		t.Fatalf("ListMessages = %+v", list)
	}
	list[0].Content = "mutated"
	if got, _ := q.Get(m1.ID); got.Content != "first" {
		t.Fatal("ListMessages returned shared storage")
	}

	got, ok, err := q.ProcessNext(context.Background())
	if err != nil || !ok {
		t.Fatalf("ProcessNext = %v, %v", ok, err)
	}
	if got.ID != m1.ID || got.Status != StatusSent {
		t.Fatalf("processed %+v, want message %d SENT", got, m1.ID)
	}
	if got.ProcessingAt.Before(got.QueuedAt) || got.SentAt.Before(got.ProcessingAt) {
		t.Fatalf("timestamps out of order: %+v", got)
	}

	want := []Status{StatusQueued, StatusProcessing, StatusSent}
	if st := rec.statuses(m1.ID); len(st) != 3 || st[0] != want[0] || st[1] != want[1] || st[2] != want[2] {
		t.Fatalf("listener saw %v, want %v", st, want)
	}
	if q.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", q.Pending())
	}
	c := q.Counts()
	if c.Sent != 1 || c.Queued != 1 || c.Total != 2 {
		t.Fatalf("Counts = %+v", c)
	}
}

func TestProcessNextEmpty(t *testing.T) {
	t.Parallel()

	q := fastQueue()
	m, ok, err := q.ProcessNext(context.Background())
	if ok || err != nil || m.ID != 0 {
		t.Fatalf("ProcessNext on empty queue = %+v, %v, %v", m, ok, err)
	}
}

func TestProcessNextCancelledDuringHold(t *testing.T) {
	t.Parallel()

	q := NewQueue(QueueConfig{MinDelay: time.Hour, MaxDelay: time.Hour}, logx.Nop())
	m := q.Enqueue("p-1", "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	got, ok, err := q.ProcessNext(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if !ok || got.ID != m.ID || got.Status != StatusProcessing {
		t.Fatalf("got %+v ok=%v, want PROCESSING snapshot", got, ok)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("cancellation took %v", took)
	}
	if cur, _ := q.Get(m.ID); cur.Status != StatusProcessing {
		t.Fatalf("status after cancel = %s, want PROCESSING", cur.Status)
	}
	if q.Pending() != 0 {
		t.Fatal("interrupted message was requeued")
	}
}

func TestProcessNextCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	q := fastQueue()
	q.Enqueue("p-1", "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok, err := q.ProcessNext(ctx); ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("ProcessNext = ok %v, err %v", ok, err)
	}
	if q.Pending() != 1 {
		t.Fatal("message left the pending list without being processed")
	}
}

func TestDelayWithinBounds(t *testing.T) {
	t.Parallel()

	q := NewQueue(QueueConfig{MinDelay: 5 * time.Second, MaxDelay: 20 * time.Second}, logx.Nop(), WithSeed(42))
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < 1000; i++ {
		d := q.delayLocked()
		if d < 5*time.Second || d > 20*time.Second {
			t.Fatalf("delay %v outside [5s, 20s]", d)
		}
	}
}

func TestQueueConfigDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want QueueConfig
	}{
		{QueueConfig{}, QueueConfig{MinDelay: DefaultMinDelay, MaxDelay: DefaultMaxDelay}},
		{QueueConfig{MinDelay: time.Second}, QueueConfig{MinDelay: time.Second, MaxDelay: time.Second}},
		{QueueConfig{MinDelay: 3 * time.Second, MaxDelay: time.Second}, QueueConfig{MinDelay: 3 * time.Second, MaxDelay: 3 * time.Second}},
	}
	for _, tt := range tests {
		if got := tt.in.normalized(); got != tt.want {
			t.Fatalf("normalized(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	t.Parallel()

	q := fastQueue()
	var rec recorder
	q.AddListener(func(Message) { panic("boom") })
	q.AddListener(rec.listen)

	m := q.Enqueue("p-1", "x")
	if _, _, err := q.ProcessNext(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(rec.statuses(m.ID)); got != 3 {
		t.Fatalf("second listener saw %d transitions, want 3", got)
	}
}

func TestStalled(t *testing.T) {
	t.Parallel()

	clk := newStepClock()
	q := NewQueue(QueueConfig{MinDelay: time.Hour, MaxDelay: time.Hour}, logx.Nop(), WithClock(clk.Now))
	q.Enqueue("p-1", "x")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, _ = q.ProcessNext(ctx)

	// Each clock read advances one second.
	if got := q.Stalled(time.Hour); len(got) != 0 {
		t.Fatalf("Stalled(1h) = %d, want 0", len(got))
	}
	if got := q.Stalled(0); len(got) != 1 || got[0].Status != StatusProcessing {
		t.Fatalf("Stalled(0) = %+v", got)
	}
}

func TestConcurrentEnqueueKeepsUniqueIDs(t *testing.T) {
	t.Parallel()

	q := fastQueue()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Enqueue("p", "x")
			}
		}()
	}
	wg.Wait()

	list := q.ListMessages()
	if len(list) != 400 {
		t.Fatalf("len = %d, want 400", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].ID <= list[i-1].ID {
			t.Fatalf("ids not strictly increasing at %d: %d, %d", i, list[i-1].ID, list[i].ID)
		}
	}
}

func TestAlertContent(t *testing.T) {
	t.Parallel()

	got := AlertContent("abnormal blood pressure 190/80")
	want := "Alert: abnormal blood pressure 190/80. Please retake your vitals."
	if got != want {
		t.Fatalf("AlertContent = %q, want %q", got, want)
	}
}
