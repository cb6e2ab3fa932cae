// Package app wires the pipeline: config, logging, storage, the event bus,
// the alert and notification workers, the HTTP API and scheduled jobs.
package app

import (
	"context"
	"errors"
	"time"

	"vitalwatch/internal/alerting"
	"vitalwatch/internal/config"
	"vitalwatch/internal/eventbus"
	"vitalwatch/internal/ingest"
	"vitalwatch/internal/notifier"
	"vitalwatch/internal/runtime/supervisor"
	"vitalwatch/internal/storage"
	"vitalwatch/internal/task/scheduler"
	"vitalwatch/internal/transport/httpapi"
	logx "vitalwatch/pkg/logx"
	"vitalwatch/pkg/systemd"
)

type App struct {
	cfgPath string
	started time.Time

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus    *eventbus.Bus
	store  storage.Store
	queue  *notifier.Queue
	sender *notifier.Worker
	alerts *alerting.Worker
	ingest *ingest.Service

	hub   *httpapi.Hub
	api   *httpapi.Server
	sched *scheduler.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))

	store, err := storage.Open(mapStorageConfig(cfg), log.With(logx.Component("storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	queue := notifier.NewQueue(mapQueueConfig(cfg), log.With(logx.Component("notifier.queue")))
	sender := notifier.NewWorker(queue, mapWorkerConfig(cfg), log.With(logx.Component("notifier.worker")))
	// The alert worker subscribes here so readings ingested before Start
	// are buffered rather than dropped.
	alerts := alerting.New(bus, store, queue, mapAlertConfig(cfg), log.With(logx.Component("alerting")))
	svc := ingest.New(store, bus, log.With(logx.Component("ingest")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.With(logx.Component("app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		queue:   queue,
		sender:  sender,
		alerts:  alerts,
		ingest:  svc,
		sched:   scheduler.New(scheduler.Config{}, log.With(logx.Component("scheduler"))),
	}

	apiLog := log.With(logx.Component("http"))
	a.hub = httpapi.NewHub(queue.ListMessages, apiLog)
	queue.AddListener(a.hub.OnMessage)
	handler := httpapi.NewHandler(svc, queue, a.hub, func(ctx context.Context) any { return a.Health(ctx) }, apiLog)
	a.api = httpapi.NewServer(mapServerConfig(cfg), httpapi.NewRouter(handler, httpapi.WithProfiler(cfg.HTTP.Pprof)), apiLog)

	return a, nil
}

// Ingest exposes the ingestion service for in-process producers.
func (a *App) Ingest() *ingest.Service { return a.ingest }

// Queue exposes the notification queue.
func (a *App) Queue() *notifier.Queue { return a.queue }

// APIAddr is the bound HTTP address, or "" when the API is not listening.
func (a *App) APIAddr() string { return a.api.Addr() }

// APIReady is closed once the HTTP listener is bound.
func (a *App) APIReady() <-chan struct{} { return a.api.Ready() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.started = time.Now()
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.Component("supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))

	a.sup.Go("alert.worker", a.alerts.Run)
	a.sup.Go("notify.worker", a.sender.Run)
	a.sup.Go("ws.hub", a.hub.Run)

	cfg := a.cfgm.Get()
	if err := a.scheduleJobs(cfg); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sched.Start(a.sup.Context())
	a.api.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(iv)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					if _, err := systemd.Watchdog(); err != nil {
						a.log.Warn("systemd watchdog ping failed", logx.Err(err))
					}
				}
			}
		})
	}

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.String("storage", cfg.Storage.Driver),
		logx.Bool("http", cfg.HTTP.Enabled),
	)
	return nil
}

// Stop shuts the pipeline down front to back: the API stops accepting
// readings, the bus closes so the alert worker drains and exits, then the
// remaining goroutines are canceled and the store is closed.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd stopping notification failed", logx.Err(err))
	}

	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "eventbus", time.Second, func(c context.Context) error {
		a.bus.Close()
		return waitState(c, a.alerts, alerting.StateStopped)
	})

	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped",
		logx.Duration("uptime", time.Since(a.started)),
		logx.Uint64("delivered", a.sender.Stats().Delivered),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// waitState polls until w reaches want or ctx ends.
func waitState(ctx context.Context, w *alerting.Worker, want alerting.State) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for w.State() != want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
