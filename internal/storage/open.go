package storage

import (
	"context"
	"errors"
	"strings"

	"vitalwatch/internal/vitals"
	logx "vitalwatch/pkg/logx"
)

// Store is the persistence API used by the pipeline and the HTTP layer.
// Every method fails fast with ctx.Err() when ctx is already done and
// with ErrClosed after Close.
type Store interface {
	AddReading(ctx context.Context, r vitals.Reading) error
	AddAlert(ctx context.Context, a vitals.Alert) error
	ListReadings(ctx context.Context, opts ListOptions) (Page[vitals.Reading], error)
	ListAlerts(ctx context.Context, opts ListOptions) (Page[vitals.Alert], error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		return NewMemory(cfg, log), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
