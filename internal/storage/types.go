package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidRequest marks caller mistakes: bad limit, bad cursor,
	// missing patient or record id.
	ErrInvalidRequest = errors.New("invalid request")
	ErrDuplicate      = errors.New("duplicate record")
	ErrClosed         = errors.New("storage closed")
)

const (
	DefaultLimit = 100
	MaxLimit     = 100
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): in-process ordered index
//   - "sqlite": in-memory SQLite database
type Config struct {
	Driver       string
	DefaultLimit int
	MaxLimit     int
	BusyTimeout  time.Duration // sqlite only; 0 means driver default
}

// ListOptions selects one page of a patient's records.
// Limit 0 means the configured default.
type ListOptions struct {
	PatientID string
	Limit     int
	Cursor    string
}

// Page is one slice of a listing. NextCursor is empty on the last page.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// Stats are record counts for operational output.
type Stats struct {
	Readings int `json:"readings"`
	Alerts   int `json:"alerts"`
}

type limits struct {
	def int
	max int
}

func newLimits(cfg Config) limits {
	l := limits{def: cfg.DefaultLimit, max: cfg.MaxLimit}
	if l.max <= 0 {
		l.max = MaxLimit
	}
	if l.def <= 0 {
		l.def = DefaultLimit
	}
	if l.def > l.max {
		l.def = l.max
	}
	return l
}

// query is a validated ListOptions.
type query struct {
	patientID string
	limit     int
	after     *Cursor
}

func (l limits) parse(opts ListOptions) (query, error) {
	q := query{patientID: strings.TrimSpace(opts.PatientID)}
	if q.patientID == "" {
		return query{}, fmt.Errorf("%w: patient id is required", ErrInvalidRequest)
	}
	switch {
	case opts.Limit < 0:
		return query{}, fmt.Errorf("%w: limit must be >= 0", ErrInvalidRequest)
	case opts.Limit == 0:
		q.limit = l.def
	case opts.Limit > l.max:
		return query{}, fmt.Errorf("%w: limit must be <= %d", ErrInvalidRequest, l.max)
	default:
		q.limit = opts.Limit
	}
	if strings.TrimSpace(opts.Cursor) != "" {
		c, err := ParseCursor(opts.Cursor)
		if err != nil {
			return query{}, err
		}
		q.after = &c
	}
	return q, nil
}
