package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
	Bus      BusConfig      `json:"bus"`
	Storage  StorageConfig  `json:"storage"`
	Notifier NotifierConfig `json:"notifier"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the API server.
//
// Prefer binding to localhost; the API has no authentication.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts net/http/pprof under /debug. Leave off on shared hosts.
	Pprof bool `json:"pprof,omitempty"`
}

type BusConfig struct {
	// Buffer is the alert worker subscription size.
	Buffer int `json:"buffer,omitempty"`
}

// StorageConfig selects the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "busy_timeout": "1s" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	DefaultLimit int    `json:"default_limit,omitempty"`
	MaxLimit     int    `json:"max_limit,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls simulated delivery.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	MinDelay   string  `json:"min_delay,omitempty"`
	MaxDelay   string  `json:"max_delay,omitempty"`
	IdlePoll   string  `json:"idle_poll,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`

	// StalledAfter is how long a message may sit in PROCESSING before the
	// stalled check warns about it.
	StalledAfter string `json:"stalled_after,omitempty"`
	// StalledCheck is a cron spec ("@every 30s", "0 */5 * * * *").
	// Empty disables the check.
	StalledCheck string `json:"stalled_check,omitempty"`
}

// Default is used when no config file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		HTTP: HTTPConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:8080",
			ReadTimeout:  "10s",
			WriteTimeout: "10s",
			IdleTimeout:  "60s",
		},
		Bus:     BusConfig{Buffer: 16},
		Storage: StorageConfig{Driver: "memory", DefaultLimit: 100, MaxLimit: 100, BusyTimeout: "1s"},
		Notifier: NotifierConfig{
			MinDelay:     "5s",
			MaxDelay:     "20s",
			IdlePoll:     "100ms",
			StalledAfter: "2m",
			StalledCheck: "@every 30s",
		},
	}
}

var cronSpec = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks every field that would otherwise fail later at apply time.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); lvl != "" {
		switch lvl {
		case "trace", "debug", "info", "warn", "warning", "error":
		default:
			add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"notifier.min_delay", cfg.Notifier.MinDelay},
		{"notifier.max_delay", cfg.Notifier.MaxDelay},
		{"notifier.idle_poll", cfg.Notifier.IdlePoll},
		{"notifier.stalled_after", cfg.Notifier.StalledAfter},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}

	if cfg.Bus.Buffer < 0 {
		add(errors.New("bus.buffer: must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem", "sqlite", "sqlite3":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.DefaultLimit < 0 || cfg.Storage.MaxLimit < 0 {
		add(errors.New("storage: limits must be >= 0"))
	}
	if cfg.Notifier.RatePerSec < 0 {
		add(errors.New("notifier.rate_per_sec: must be >= 0"))
	}
	if spec := strings.TrimSpace(cfg.Notifier.StalledCheck); spec != "" {
		if _, err := cronSpec.Parse(spec); err != nil {
			add(fmt.Errorf("notifier.stalled_check: %w", err))
		}
	}
	return errors.Join(errs...)
}
