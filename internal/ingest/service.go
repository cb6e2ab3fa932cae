// Package ingest is the write path for vital readings: validate, persist,
// then announce on the event bus.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"vitalwatch/internal/storage"
	"vitalwatch/internal/vitals"
	logx "vitalwatch/pkg/logx"
)

// ErrNotPublished is returned together with the stored reading when the
// bus refused the event. The reading stays persisted.
var ErrNotPublished = errors.New("reading stored but not published")

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Publish(ctx context.Context, e vitals.Event) error
}

// DefaultPublishTimeout bounds how long a stored reading waits on bus
// backpressure.
const DefaultPublishTimeout = 5 * time.Second

type Service struct {
	store          storage.Store
	bus            Publisher
	log            logx.Logger
	now            func() time.Time
	publishTimeout time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPublishTimeout overrides DefaultPublishTimeout. Non-positive values
// are ignored.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

func New(store storage.Store, bus Publisher, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store: store,
		bus:   bus,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },

		publishTimeout: DefaultPublishTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IngestReading records a measurement and publishes VITAL_RECEIVED.
// Validation errors wrap vitals.ErrInvalidReading and nothing is stored.
func (s *Service) IngestReading(ctx context.Context, patientID string, systolic, diastolic int, takenAt time.Time) (vitals.Reading, error) {
	r := vitals.Reading{
		PatientID: strings.TrimSpace(patientID),
		Systolic:  systolic,
		Diastolic: diastolic,
		TakenAt:   takenAt.UTC(),
	}
	if err := r.Validate(); err != nil {
		return vitals.Reading{}, err
	}
	if err := ctx.Err(); err != nil {
		return vitals.Reading{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return vitals.Reading{}, fmt.Errorf("reading id: %w", err)
	}
	r.ID = id.String()
	r.ReceivedAt = s.now()

	if err := s.store.AddReading(ctx, r); err != nil {
		return vitals.Reading{}, fmt.Errorf("store reading: %w", err)
	}

	// The reading is already persisted, so a caller that goes away must not
	// keep it from reaching the alert worker.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.bus.Publish(pubCtx, vitals.ReadingReceived(r)); err != nil {
		s.log.Warn("reading not published",
			logx.String("reading", r.ID),
			logx.String("patient", r.PatientID),
			logx.Err(err),
		)
		return r, fmt.Errorf("%w: %w", ErrNotPublished, err)
	}

	s.log.Debug("reading ingested",
		logx.String("reading", r.ID),
		logx.String("patient", r.PatientID),
		logx.Int("systolic", r.Systolic),
		logx.Int("diastolic", r.Diastolic),
		logx.Bool("abnormal", r.IsAbnormal()),
	)
	return r, nil
}

func (s *Service) ListReadings(ctx context.Context, opts storage.ListOptions) (storage.Page[vitals.Reading], error) {
	return s.store.ListReadings(ctx, opts)
}

func (s *Service) ListAlerts(ctx context.Context, opts storage.ListOptions) (storage.Page[vitals.Alert], error) {
	return s.store.ListAlerts(ctx, opts)
}
