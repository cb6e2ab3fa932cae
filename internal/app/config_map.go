package app

import (
	"vitalwatch/internal/alerting"
	"vitalwatch/internal/config"
	"vitalwatch/internal/notifier"
	"vitalwatch/internal/storage"
	"vitalwatch/internal/transport/httpapi"
	logx "vitalwatch/pkg/logx"
)

// The mappers below translate validated config sections into component
// configs. They never fail; Validate has already rejected bad values.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:       cfg.Storage.Driver,
		DefaultLimit: cfg.Storage.DefaultLimit,
		MaxLimit:     cfg.Storage.MaxLimit,
		BusyTimeout:  cfg.Storage.BusyTimeoutDuration(),
	}
}

func mapQueueConfig(cfg *config.Config) notifier.QueueConfig {
	min, max := cfg.Notifier.Delays()
	return notifier.QueueConfig{MinDelay: min, MaxDelay: max}
}

func mapWorkerConfig(cfg *config.Config) notifier.WorkerConfig {
	return notifier.WorkerConfig{
		IdlePoll:   cfg.Notifier.IdlePollDuration(),
		RatePerSec: cfg.Notifier.RatePerSec,
	}
}

func mapAlertConfig(cfg *config.Config) alerting.Config {
	return alerting.Config{Buffer: cfg.Bus.Buffer}
}

func mapServerConfig(cfg *config.Config) httpapi.ServerConfig {
	read, write, idle := cfg.HTTP.Timeouts()
	return httpapi.ServerConfig{
		Enabled:      cfg.HTTP.Enabled,
		Addr:         cfg.HTTP.Address(),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}
}
