package app

import (
	"context"
	"time"

	"github.com/samber/lo"

	"vitalwatch/internal/config"
	"vitalwatch/internal/notifier"
	logx "vitalwatch/pkg/logx"
)

const (
	jobStalled = "notifier.stalled"
	jobStats   = "pipeline.stats"

	statsSchedule = "@every 1m"
	jobTimeout    = 5 * time.Second
)

func (a *App) scheduleJobs(cfg *config.Config) error {
	if err := a.scheduleStalled(cfg); err != nil {
		return err
	}
	return a.sched.Add(jobStats, statsSchedule, jobTimeout, a.reportStats)
}

// scheduleStalled (re)registers the stalled check. An empty schedule
// removes it.
func (a *App) scheduleStalled(cfg *config.Config) error {
	return a.sched.Add(jobStalled, cfg.Notifier.StalledCheck, jobTimeout, a.reportStalled)
}

// reportStalled only logs. Messages left in PROCESSING by an interrupted
// delivery are never requeued.
func (a *App) reportStalled(context.Context) error {
	after := a.cfgm.Get().Notifier.StalledAfterDuration()
	stalled := a.queue.Stalled(after)
	if len(stalled) == 0 {
		return nil
	}
	oldest := lo.MinBy(stalled, func(a, b notifier.Message) bool { return a.ProcessingAt.Before(b.ProcessingAt) })
	a.log.Warn("notifications stalled in processing",
		logx.Int("count", len(stalled)),
		logx.Duration("older_than", after),
		logx.Int64("oldest", oldest.ID),
		logx.String("oldest_patient", oldest.PatientID),
		logx.Time("oldest_since", oldest.ProcessingAt),
	)
	return nil
}

func (a *App) reportStats(ctx context.Context) error {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	bus := a.bus.Stats()
	q := a.queue.Counts()
	sent := a.sender.Stats()
	al := a.alerts.Stats()
	a.log.Debug("pipeline stats",
		logx.Uint64("bus_published", bus.Published),
		logx.Uint64("bus_dropped", bus.Dropped),
		logx.Int("bus_buffered", bus.Buffered),
		logx.Uint64("alert_events", al.Events),
		logx.Uint64("alerts", al.Alerts),
		logx.Uint64("alert_failures", al.Failures),
		logx.Int("queue_queued", q.Queued),
		logx.Int("queue_processing", q.Processing),
		logx.Int("queue_sent", q.Sent),
		logx.Uint64("delivered", sent.Delivered),
		logx.Int("readings", st.Readings),
		logx.Int("stored_alerts", st.Alerts),
		logx.Int("live_clients", a.hub.Clients()),
	)
	return nil
}
