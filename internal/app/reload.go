package app

import (
	"context"
	"strings"

	"vitalwatch/internal/config"
	logx "vitalwatch/pkg/logx"
)

// reloadLoop applies committed configs. Bursts are coalesced so only the
// newest pending config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))
	a.queue.Apply(mapQueueConfig(next))
	a.sender.Apply(mapWorkerConfig(next))
	if err := a.scheduleStalled(next); err != nil {
		a.log.Warn("stalled check not rescheduled; keeping previous", logx.Err(err))
	}

	for _, s := range restart {
		a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
