package vitals

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Blood pressure limits. A reading strictly above either is abnormal.
const (
	MaxSystolic  = 180
	MaxDiastolic = 120
)

var ErrInvalidReading = errors.New("invalid reading")

// TakenAt must fit a non-negative int64 of Unix nanoseconds: stores and
// cursors order readings by that value.
var (
	MinTakenAt = time.Unix(0, 0).UTC()
	MaxTakenAt = time.Unix(0, math.MaxInt64).UTC()
)

// Reading is a single blood pressure measurement. Immutable once stored.
type Reading struct {
	ID         string
	PatientID  string
	Systolic   int
	Diastolic  int
	TakenAt    time.Time
	ReceivedAt time.Time
}

// IsAbnormal reports whether the reading crosses either threshold.
func (r Reading) IsAbnormal() bool {
	return r.Systolic > MaxSystolic || r.Diastolic > MaxDiastolic
}

// Validate checks the caller-supplied fields of a reading.
func (r Reading) Validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return fmt.Errorf("%w: patient id is required", ErrInvalidReading)
	}
	if r.Systolic <= 0 || r.Diastolic <= 0 {
		return fmt.Errorf("%w: systolic and diastolic must be positive", ErrInvalidReading)
	}
	if r.TakenAt.IsZero() {
		return fmt.Errorf("%w: taken at is required", ErrInvalidReading)
	}
	if !InTakenAtRange(r.TakenAt) {
		return fmt.Errorf("%w: taken at must be between %s and %s", ErrInvalidReading,
			MinTakenAt.Format(time.RFC3339), MaxTakenAt.Format(time.RFC3339))
	}
	return nil
}

// InTakenAtRange reports whether t can be stored and paginated.
func InTakenAtRange(t time.Time) bool {
	return !t.Before(MinTakenAt) && !t.After(MaxTakenAt)
}

// AlertReason renders the human readable reason stored on an alert.
func AlertReason(r Reading) string {
	return fmt.Sprintf("abnormal blood pressure %d/%d", r.Systolic, r.Diastolic)
}

// Alert is created once per abnormal reading and carries a copy of the
// reading values so listing alerts never needs a join.
type Alert struct {
	ID         string
	ReadingID  string
	PatientID  string
	Systolic   int
	Diastolic  int
	TakenAt    time.Time
	ReceivedAt time.Time
	Reason     string
	Status     AlertStatus
	CreatedAt  time.Time
}

// NewAlert builds an ACTIVE alert for r.
func NewAlert(id string, r Reading, createdAt time.Time) Alert {
	return Alert{
		ID:         id,
		ReadingID:  r.ID,
		PatientID:  r.PatientID,
		Systolic:   r.Systolic,
		Diastolic:  r.Diastolic,
		TakenAt:    r.TakenAt,
		ReceivedAt: r.ReceivedAt,
		Reason:     AlertReason(r),
		Status:     AlertActive,
		CreatedAt:  createdAt,
	}
}

// EventType tags bus events.
type EventType string

const EventReadingReceived EventType = "VITAL_RECEIVED"

// Event travels over the bus. It is never persisted.
type Event struct {
	Type    EventType
	Reading Reading
}

// ReadingReceived wraps r in a VITAL_RECEIVED event.
func ReadingReceived(r Reading) Event {
	return Event{Type: EventReadingReceived, Reading: r}
}
