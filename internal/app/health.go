package app

import (
	"context"
	"time"

	"vitalwatch/internal/alerting"
	"vitalwatch/internal/eventbus"
	"vitalwatch/internal/notifier"
	"vitalwatch/internal/runtime/supervisor"
	"vitalwatch/internal/storage"
	"vitalwatch/internal/task/scheduler"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// Health is the /healthz payload.
type Health struct {
	Status   string               `json:"status"`
	Uptime   string               `json:"uptime"`
	Bus      eventbus.Stats       `json:"bus"`
	Alerting alerting.Stats       `json:"alerting"`
	Queue    notifier.Counts      `json:"queue"`
	Delivery notifier.WorkerStats `json:"delivery"`
	Store    *storage.Stats       `json:"store,omitempty"`
	StoreErr string               `json:"store_error,omitempty"`

	LiveClients int    `json:"live_clients"`
	LiveDropped uint64 `json:"live_dropped"`

	Jobs       []scheduler.JobInfo  `json:"jobs"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

// Health reports component state. It is degraded once the alert worker
// has left RUNNING or the bus no longer has a subscriber.
func (a *App) Health(ctx context.Context) Health {
	h := Health{
		Status:      healthOK,
		Bus:         a.bus.Stats(),
		Alerting:    a.alerts.Stats(),
		Queue:       a.queue.Counts(),
		Delivery:    a.sender.Stats(),
		LiveClients: a.hub.Clients(),
		LiveDropped: a.hub.Dropped(),
		Jobs:        a.sched.Jobs(),
	}
	if !a.started.IsZero() {
		h.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	if st, err := a.store.Stats(ctx); err != nil {
		h.StoreErr = err.Error()
	} else {
		h.Store = &st
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		h.Supervisor = &snap
	}

	if a.alerts.State() != alerting.StateRunning || !h.Bus.Attached || h.StoreErr != "" {
		h.Status = healthDegraded
	}
	return h
}
