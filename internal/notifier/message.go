// Package notifier simulates patient notification delivery.
//
// Queue holds every message ever enqueued together with its lifecycle
// state; Worker drains it one message at a time.
package notifier

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidTransition = errors.New("notifier: invalid status transition")

// Status is the delivery state of a message. It only moves forward.
type Status int

const (
	StatusQueued Status = iota + 1
	StatusProcessing
	StatusSent
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusProcessing:
		return "PROCESSING"
	case StatusSent:
		return "SENT"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "QUEUED":
		*s = StatusQueued
	case "PROCESSING":
		*s = StatusProcessing
	case "SENT":
		*s = StatusSent
	default:
		return fmt.Errorf("unknown message status %q", b)
	}
	return nil
}

// Message is a value record; the queue replaces it on every transition.
type Message struct {
	ID           int64
	PatientID    string
	Content      string
	Status       Status
	QueuedAt     time.Time
	ProcessingAt time.Time // zero until PROCESSING
	SentAt       time.Time // zero until SENT
}

// advance returns m moved to the next status, stamped with at.
// Stamps never go backwards relative to the previous one.
func advance(m Message, to Status, at time.Time) (Message, error) {
	if to != m.Status+1 || to > StatusSent {
		return m, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}
	switch to {
	case StatusProcessing:
		m.ProcessingAt = notBefore(at, m.QueuedAt)
	case StatusSent:
		m.SentAt = notBefore(at, m.ProcessingAt)
	}
	m.Status = to
	return m, nil
}

func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

// AlertContent is the notification text sent for an alert reason.
func AlertContent(reason string) string {
	return fmt.Sprintf("Alert: %s. Please retake your vitals.", reason)
}
