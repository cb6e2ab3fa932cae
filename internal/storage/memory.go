package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"vitalwatch/internal/vitals"
	logx "vitalwatch/pkg/logx"
)

// ordered keeps one newest-first slice per patient.
type ordered[T any] struct {
	key       func(T) Cursor
	byPatient map[string][]T
	n         int
}

func newOrdered[T any](key func(T) Cursor) *ordered[T] {
	return &ordered[T]{key: key, byPatient: map[string][]T{}}
}

func (o *ordered[T]) insert(patientID string, v T) {
	list := o.byPatient[patientID]
	k := o.key(v)
	i := sort.Search(len(list), func(i int) bool { return k.Before(o.key(list[i])) })
	list = append(list, v)
	copy(list[i+1:], list[i:])
	list[i] = v
	o.byPatient[patientID] = list
	o.n++
}

func (o *ordered[T]) page(q query) Page[T] {
	list := o.byPatient[q.patientID]
	start := 0
	if q.after != nil {
		c := *q.after
		start = sort.Search(len(list), func(i int) bool { return c.Before(o.key(list[i])) })
	}
	end := min(start+q.limit, len(list))
	items := make([]T, end-start)
	copy(items, list[start:end])

	p := Page[T]{Items: items}
	if end < len(list) && len(items) > 0 {
		p.NextCursor = o.key(items[len(items)-1]).String()
	}
	return p
}

type memoryStore struct {
	log    logx.Logger
	limits limits

	mu       sync.RWMutex
	closed   bool
	ids      map[string]struct{}
	alerted  map[string]struct{} // reading ids that already have an alert
	readings *ordered[vitals.Reading]
	alerts   *ordered[vitals.Alert]
}

// NewMemory returns the default in-process store.
func NewMemory(cfg Config, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &memoryStore{
		log:      log,
		limits:   newLimits(cfg),
		ids:      map[string]struct{}{},
		alerted:  map[string]struct{}{},
		readings: newOrdered(func(r vitals.Reading) Cursor { return CursorAt(r.TakenAt, r.ID) }),
		alerts:   newOrdered(func(a vitals.Alert) Cursor { return CursorAt(a.TakenAt, a.ID) }),
	}
}

func (s *memoryStore) AddReading(ctx context.Context, r vitals.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRecord(r.ID, r.PatientID, r.TakenAt); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, dup := s.ids[r.ID]; dup {
		return fmt.Errorf("%w: reading %s", ErrDuplicate, r.ID)
	}
	s.ids[r.ID] = struct{}{}
	s.readings.insert(strings.TrimSpace(r.PatientID), r)
	return nil
}

func (s *memoryStore) AddAlert(ctx context.Context, a vitals.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkRecord(a.ID, a.PatientID, a.TakenAt); err != nil {
		return err
	}
	if strings.TrimSpace(a.ReadingID) == "" {
		return fmt.Errorf("%w: alert needs a reading id", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, dup := s.ids[a.ID]; dup {
		return fmt.Errorf("%w: alert %s", ErrDuplicate, a.ID)
	}
	if _, dup := s.alerted[a.ReadingID]; dup {
		return fmt.Errorf("%w: alert for reading %s", ErrDuplicate, a.ReadingID)
	}
	s.alerted[a.ReadingID] = struct{}{}
	s.ids[a.ID] = struct{}{}
	s.alerts.insert(strings.TrimSpace(a.PatientID), a)
	return nil
}

func (s *memoryStore) ListReadings(ctx context.Context, opts ListOptions) (Page[vitals.Reading], error) {
	if err := ctx.Err(); err != nil {
		return Page[vitals.Reading]{}, err
	}
	q, err := s.limits.parse(opts)
	if err != nil {
		return Page[vitals.Reading]{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Page[vitals.Reading]{}, ErrClosed
	}
	return s.readings.page(q), nil
}

func (s *memoryStore) ListAlerts(ctx context.Context, opts ListOptions) (Page[vitals.Alert], error) {
	if err := ctx.Err(); err != nil {
		return Page[vitals.Alert]{}, err
	}
	q, err := s.limits.parse(opts)
	if err != nil {
		return Page[vitals.Alert]{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Page[vitals.Alert]{}, ErrClosed
	}
	return s.alerts.page(q), nil
}

func (s *memoryStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrClosed
	}
	return Stats{Readings: s.readings.n, Alerts: s.alerts.n}, nil
}

// Close drops every record. Later calls fail with ErrClosed.
func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.log.Debug("memory store closed", logx.Int("readings", s.readings.n), logx.Int("alerts", s.alerts.n))
	s.ids = nil
	s.alerted = nil
	s.readings.byPatient = map[string][]vitals.Reading{}
	s.alerts.byPatient = map[string][]vitals.Alert{}
	s.readings.n, s.alerts.n = 0, 0
	return nil
}

func checkRecord(id, patientID string, takenAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(patientID) == "" {
		return fmt.Errorf("%w: patient id is required", ErrInvalidRequest)
	}
	if !vitals.InTakenAtRange(takenAt) {
		return fmt.Errorf("%w: taken at %s out of range", ErrInvalidRequest, takenAt.Format(time.RFC3339))
	}
	return nil
}
