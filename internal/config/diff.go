package config

import (
	"sort"
	"strings"

	logx "vitalwatch/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, structured attrs for
// the reload log, and the subset of changed sections that only take
// effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed = make([]string, 0, 5)
	attrs = make([]logx.Field, 0, 16)

	o, n := oldCfg.Logging, newCfg.Logging
	if !strings.EqualFold(strings.TrimSpace(o.Level), strings.TrimSpace(n.Level)) ||
		o.Console != n.Console ||
		o.File.Enabled != n.File.Enabled ||
		strings.TrimSpace(o.File.Path) != strings.TrimSpace(n.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", n.Level),
			logx.Bool("logging.console", n.Console),
			logx.Bool("logging.file_enabled", n.File.Enabled),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Address()),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Bus != newCfg.Bus {
		changed = append(changed, "bus")
		restart = append(restart, "bus")
		attrs = append(attrs, logx.Int("bus.buffer", newCfg.Bus.Buffer))
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Int("storage.default_limit", newCfg.Storage.DefaultLimit),
			logx.Int("storage.max_limit", newCfg.Storage.MaxLimit),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		nn := newCfg.Notifier
		attrs = append(attrs,
			logx.String("notifier.min_delay", nn.MinDelay),
			logx.String("notifier.max_delay", nn.MaxDelay),
			logx.String("notifier.idle_poll", nn.IdlePoll),
			logx.Any("notifier.rate_per_sec", nn.RatePerSec),
			logx.String("notifier.stalled_check", nn.StalledCheck),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
