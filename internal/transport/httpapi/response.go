package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"vitalwatch/internal/eventbus"
	"vitalwatch/internal/ingest"
	"vitalwatch/internal/notifier"
	"vitalwatch/internal/storage"
	"vitalwatch/internal/vitals"
)

type vitalResponse struct {
	ID         string    `json:"id"`
	PatientID  string    `json:"patientId"`
	Systolic   int       `json:"systolic"`
	Diastolic  int       `json:"diastolic"`
	TakenAt    time.Time `json:"takenAt"`
	ReceivedAt time.Time `json:"receivedAt"`
	Abnormal   bool      `json:"abnormal"`
}

type alertResponse struct {
	ID         string             `json:"id"`
	ReadingID  string             `json:"readingId"`
	PatientID  string             `json:"patientId"`
	Systolic   int                `json:"systolic"`
	Diastolic  int                `json:"diastolic"`
	TakenAt    time.Time          `json:"takenAt"`
	ReceivedAt time.Time          `json:"receivedAt"`
	Reason     string             `json:"reason"`
	Status     vitals.AlertStatus `json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
}

type messageResponse struct {
	ID           int64           `json:"id"`
	PatientID    string          `json:"patientId"`
	Content      string          `json:"content"`
	Status       notifier.Status `json:"status"`
	QueuedAt     time.Time       `json:"queuedAt"`
	ProcessingAt *time.Time      `json:"processingAt,omitempty"`
	SentAt       *time.Time      `json:"sentAt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toVital(r vitals.Reading) vitalResponse {
	return vitalResponse{
		ID:         r.ID,
		PatientID:  r.PatientID,
		Systolic:   r.Systolic,
		Diastolic:  r.Diastolic,
		TakenAt:    r.TakenAt,
		ReceivedAt: r.ReceivedAt,
		Abnormal:   r.IsAbnormal(),
	}
}

func toAlert(a vitals.Alert) alertResponse {
	return alertResponse{
		ID:         a.ID,
		ReadingID:  a.ReadingID,
		PatientID:  a.PatientID,
		Systolic:   a.Systolic,
		Diastolic:  a.Diastolic,
		TakenAt:    a.TakenAt,
		ReceivedAt: a.ReceivedAt,
		Reason:     a.Reason,
		Status:     a.Status,
		CreatedAt:  a.CreatedAt,
	}
}

func toMessage(m notifier.Message) messageResponse {
	return messageResponse{
		ID:           m.ID,
		PatientID:    m.PatientID,
		Content:      m.Content,
		Status:       m.Status,
		QueuedAt:     m.QueuedAt,
		ProcessingAt: optTime(m.ProcessingAt),
		SentAt:       optTime(m.SentAt),
	}
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vitals.ErrInvalidReading), errors.Is(err, storage.ErrInvalidRequest), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, eventbus.ErrClosed), errors.Is(err, storage.ErrClosed), errors.Is(err, ingest.ErrNotPublished):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
