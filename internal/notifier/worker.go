package notifier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "vitalwatch/pkg/logx"
)

const DefaultIdlePoll = 100 * time.Millisecond

// WorkerConfig controls the drain loop.
type WorkerConfig struct {
	IdlePoll time.Duration
	// RatePerSec caps deliveries per second. 0 disables the limit.
	RatePerSec float64
}

// WorkerStats are best-effort counters.
type WorkerStats struct {
	Delivered   uint64 `json:"delivered"`
	Failures    uint64 `json:"failures"`
	Interrupted uint64 `json:"interrupted"`
}

// Worker delivers queued messages one at a time until its context ends.
type Worker struct {
	q   *Queue
	log logx.Logger

	mu      sync.Mutex
	cfg     WorkerConfig
	limiter *rate.Limiter

	delivered   atomic.Uint64
	failures    atomic.Uint64
	interrupted atomic.Uint64
}

func NewWorker(q *Queue, cfg WorkerConfig, log logx.Logger) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Worker{q: q, log: log}
	w.applyLocked(cfg)
	return w
}

func (w *Worker) Apply(cfg WorkerConfig) {
	w.mu.Lock()
	w.applyLocked(cfg)
	w.mu.Unlock()
}

func (w *Worker) applyLocked(cfg WorkerConfig) {
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultIdlePoll
	}
	if cfg.RatePerSec < 0 {
		cfg.RatePerSec = 0
	}
	w.cfg = cfg
	w.limiter = nil
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
}

func (w *Worker) snapshot() (WorkerConfig, *rate.Limiter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg, w.limiter
}

// Run drains the queue until ctx ends. Delivery errors are logged and the
// loop continues; cancellation returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Debug("notification worker started")
	defer w.log.Debug("notification worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		cfg, lim := w.snapshot()

		if lim != nil && w.q.Pending() > 0 {
			if err := lim.Wait(ctx); err != nil {
				return nil
			}
		}

		m, ok, err := w.q.ProcessNext(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			if ok {
				w.interrupted.Add(1)
				w.log.Warn("delivery interrupted by shutdown", logx.Int64("id", m.ID), logx.String("patient", m.PatientID))
			}
			return nil
		case err != nil:
			w.failures.Add(1)
			w.log.Error("delivery failed", logx.Int64("id", m.ID), logx.Err(err))
			if !sleepCtx(ctx, cfg.IdlePoll) {
				return nil
			}
		case !ok:
			if !sleepCtx(ctx, cfg.IdlePoll) {
				return nil
			}
		default:
			w.delivered.Add(1)
			w.log.Info("notification sent",
				logx.Int64("id", m.ID),
				logx.String("patient", m.PatientID),
				logx.Duration("latency", m.SentAt.Sub(m.QueuedAt)),
			)
		}
	}
}

func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Delivered:   w.delivered.Load(),
		Failures:    w.failures.Load(),
		Interrupted: w.interrupted.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
