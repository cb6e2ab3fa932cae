// Package httpapi is the HTTP and websocket surface of the pipeline.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"vitalwatch/internal/notifier"
	"vitalwatch/internal/storage"
	"vitalwatch/internal/vitals"
	logx "vitalwatch/pkg/logx"
)

var errBadRequest = errors.New("bad request")

const maxBodyBytes = 64 << 10

// Vitals is the ingestion surface the API serves.
type Vitals interface {
	IngestReading(ctx context.Context, patientID string, systolic, diastolic int, takenAt time.Time) (vitals.Reading, error)
	ListReadings(ctx context.Context, opts storage.ListOptions) (storage.Page[vitals.Reading], error)
	ListAlerts(ctx context.Context, opts storage.ListOptions) (storage.Page[vitals.Alert], error)
}

// Messages is the notification history surface.
type Messages interface {
	ListMessages() []notifier.Message
}

// HealthFunc reports component state for /healthz.
type HealthFunc func(ctx context.Context) any

type Handler struct {
	vitals   Vitals
	messages Messages
	hub      *Hub
	health   HealthFunc
	log      logx.Logger
	upgrader websocket.Upgrader
}

func NewHandler(v Vitals, m Messages, hub *Hub, health HealthFunc, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		vitals:   v,
		messages: m,
		hub:      hub,
		health:   health,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from other origins during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type ingestRequest struct {
	PatientID string `json:"patientId"`
	Systolic  int    `json:"systolic"`
	Diastolic int    `json:"diastolic"`
	TakenAt   *int64 `json:"takenAt"` // unix seconds
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", logx.String("path", r.URL.Path), logx.Int("status", code), logx.Err(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", errBadRequest)
	}
	return nil
}

func (h *Handler) postVital(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	var req ingestRequest
	if err := decodeStrict(bytes.NewReader(body), &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.TakenAt == nil || *req.TakenAt <= 0 {
		h.fail(w, r, fmt.Errorf("%w: takenAt must be a positive unix timestamp", vitals.ErrInvalidReading))
		return
	}

	reading, err := h.vitals.IngestReading(r.Context(), req.PatientID, req.Systolic, req.Diastolic, time.Unix(*req.TakenAt, 0))
	if err != nil {
		if reading.ID != "" {
			h.log.Warn("reading stored without alert evaluation", logx.String("reading", reading.ID), logx.Err(err))
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]vitalResponse{"vital": toVital(reading)})
}

func listOptions(r *http.Request) (storage.ListOptions, error) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		PatientID: q.Get("patientId"),
		Cursor:    q.Get("cursor"),
	}
	// Absent means the store default. A supplied limit must be positive,
	// since Limit 0 would silently select that default.
	if q.Has("limit") {
		n, err := strconv.Atoi(strings.TrimSpace(q.Get("limit")))
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("%w: limit must be a positive integer", storage.ErrInvalidRequest)
		}
		opts.Limit = n
	}
	return opts, nil
}

type vitalsPage struct {
	Vitals     []vitalResponse `json:"vitals"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

type alertsPage struct {
	Alerts     []alertResponse `json:"alerts"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

func (h *Handler) listVitals(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.vitals.ListReadings(r.Context(), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vitalsPage{
		Vitals:     lo.Map(page.Items, func(v vitals.Reading, _ int) vitalResponse { return toVital(v) }),
		NextCursor: page.NextCursor,
	})
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.vitals.ListAlerts(r.Context(), opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alertsPage{
		Alerts:     lo.Map(page.Items, func(a vitals.Alert, _ int) alertResponse { return toAlert(a) }),
		NextCursor: page.NextCursor,
	})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs := h.messages.ListMessages()
	if pid := strings.TrimSpace(r.URL.Query().Get("patientId")); pid != "" {
		msgs = lo.Filter(msgs, func(m notifier.Message, _ int) bool { return m.PatientID == pid })
	}
	writeJSON(w, http.StatusOK, map[string][]messageResponse{
		"messages": lo.Map(msgs, func(m notifier.Message, _ int) messageResponse { return toMessage(m) }),
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, h.health(r.Context()))
}

func (h *Handler) liveFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	c := &client{
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, clientSend),
		remote: conn.RemoteAddr().String(),
		log:    h.log,
	}
	if !h.hub.attach(r.Context(), c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
