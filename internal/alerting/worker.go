// Package alerting turns abnormal readings into alerts and patient
// notifications.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vitalwatch/internal/eventbus"
	"vitalwatch/internal/notifier"
	"vitalwatch/internal/storage"
	"vitalwatch/internal/vitals"
	logx "vitalwatch/pkg/logx"
)

const DefaultBuffer = 16

// State is the worker lifecycle. STOPPED is terminal.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Config struct {
	// Buffer is the bus subscription size.
	Buffer int
}

// Enqueuer is the slice of the notification queue the worker needs.
type Enqueuer interface {
	Enqueue(patientID, content string) notifier.Message
}

type Stats struct {
	State    string `json:"state"`
	Events   uint64 `json:"events"`
	Alerts   uint64 `json:"alerts"`
	Failures uint64 `json:"failures"`
}

type Worker struct {
	sub   *eventbus.Subscription
	store storage.Store
	queue Enqueuer
	log   logx.Logger
	now   func() time.Time
	newID func() string

	runOnce sync.Once
	state   atomic.Int32

	events   atomic.Uint64
	alerts   atomic.Uint64
	failures atomic.Uint64
}

type Option func(*Worker)

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// New subscribes to bus immediately, so events published before Run are
// buffered rather than dropped.
func New(bus *eventbus.Bus, store storage.Store, queue Enqueuer, cfg Config, log logx.Logger, opts ...Option) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	w := &Worker{
		sub:   bus.Subscribe(cfg.Buffer),
		store: store,
		queue: queue,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: newAlertID,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func newAlertID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (w *Worker) State() State { return State(w.state.Load()) }

// Run consumes events until ctx ends or the bus closes, then releases the
// subscription. A worker runs at most once.
func (w *Worker) Run(ctx context.Context) error {
	started := false
	w.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("alerting: worker already ran")
	}

	w.state.Store(int32(StateRunning))
	defer func() {
		w.sub.Cancel()
		w.state.Store(int32(StateStopped))
	}()

	for {
		e, err := w.sub.Next(ctx)
		if err != nil {
			if errors.Is(err, eventbus.ErrClosed) {
				w.log.Info("event bus closed; alert worker stopping")
			}
			return nil
		}
		w.events.Add(1)
		if err := w.handleSafe(ctx, e); err != nil {
			w.failures.Add(1)
			w.log.Error("event handling failed",
				logx.String("reading", e.Reading.ID),
				logx.String("patient", e.Reading.PatientID),
				logx.Err(err),
			)
		}
	}
}

func (w *Worker) handleSafe(ctx context.Context, e vitals.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			w.log.Error("event handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return w.handle(ctx, e)
}

func (w *Worker) handle(ctx context.Context, e vitals.Event) error {
	if e.Type != vitals.EventReadingReceived {
		return nil
	}
	r := e.Reading
	if !r.IsAbnormal() {
		return nil
	}

	alert := vitals.NewAlert(w.newID(), r, w.now())
	if err := w.store.AddAlert(ctx, alert); err != nil {
		return fmt.Errorf("store alert: %w", err)
	}
	w.alerts.Add(1)
	w.log.Warn("abnormal reading",
		logx.String("alert", alert.ID),
		logx.String("patient", r.PatientID),
		logx.String("reason", alert.Reason),
	)

	m := w.queue.Enqueue(r.PatientID, notifier.AlertContent(alert.Reason))
	w.log.Debug("notification queued", logx.Int64("message", m.ID), logx.String("patient", r.PatientID))
	return nil
}

func (w *Worker) Stats() Stats {
	return Stats{
		State:    w.State().String(),
		Events:   w.events.Load(),
		Alerts:   w.alerts.Load(),
		Failures: w.failures.Load(),
	}
}
