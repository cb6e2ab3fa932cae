package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type vitalRequest struct {
	PatientID string `json:"patientId"`
	Systolic  int    `json:"systolic"`
	Diastolic int    `json:"diastolic"`
	TakenAt   int64  `json:"takenAt"`
}

type vital struct {
	ID         string    `json:"id"`
	PatientID  string    `json:"patientId"`
	Systolic   int       `json:"systolic"`
	Diastolic  int       `json:"diastolic"`
	TakenAt    time.Time `json:"takenAt"`
	ReceivedAt time.Time `json:"receivedAt"`
	Abnormal   bool      `json:"abnormal"`
}

type alert struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patientId"`
	Systolic  int       `json:"systolic"`
	Diastolic int       `json:"diastolic"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type message struct {
	ID        int64     `json:"id"`
	PatientID string    `json:"patientId"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	QueuedAt  time.Time `json:"queuedAt"`
}

type vitalsPage struct {
	Vitals     []vital `json:"vitals"`
	NextCursor string  `json:"nextCursor"`
}

type alertsPage struct {
	Alerts     []alert `json:"alerts"`
	NextCursor string  `json:"nextCursor"`
}

type pageQuery struct {
	PatientID string
	Limit     int
	Cursor    string
}

func (q pageQuery) values() url.Values {
	v := url.Values{}
	v.Set("patientId", q.PatientID)
	if q.Limit != 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	return v
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

type client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
}

// newClient accepts host:port or a full http(s) base URL.
func newClient(addr string, timeout time.Duration) (*client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("addr is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid addr %q", addr)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &client{base: u, http: &http.Client{}, timeout: timeout}, nil
}

func (c *client) insertVital(ctx context.Context, req vitalRequest) (vital, error) {
	var out struct {
		Vital vital `json:"vital"`
	}
	err := c.do(ctx, http.MethodPost, "/vitals", nil, req, &out)
	return out.Vital, err
}

func (c *client) listVitals(ctx context.Context, q pageQuery) (vitalsPage, error) {
	var out vitalsPage
	err := c.do(ctx, http.MethodGet, "/vitals", q.values(), nil, &out)
	return out, err
}

func (c *client) listAlerts(ctx context.Context, q pageQuery) (alertsPage, error) {
	var out alertsPage
	err := c.do(ctx, http.MethodGet, "/alerts", q.values(), nil, &out)
	return out, err
}

func (c *client) listMessages(ctx context.Context, patientID string) ([]message, error) {
	var q url.Values
	if patientID != "" {
		q = url.Values{"patientId": {patientID}}
	}
	var out struct {
		Messages []message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/messages", q, nil, &out)
	return out.Messages, err
}

func (c *client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.base.JoinPath(path)
	u.RawQuery = q.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
