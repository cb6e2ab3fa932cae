package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"vitalwatch/internal/alerting"
	"vitalwatch/internal/config"
	"vitalwatch/internal/notifier"
	logx "vitalwatch/pkg/logx"
)

const testConfig = `
logging:
  level: error
  console: false
http:
  enabled: true
  addr: "127.0.0.1:0"
notifier:
  min_delay: "1ms"
  max_delay: "5ms"
  idle_poll: "5ms"
  stalled_check: ""
`

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func startApp(t *testing.T, cfg string) *App {
	t.Helper()
	path := writeConfig(t, t.TempDir(), cfg)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	select {
	case <-a.APIReady():
	case <-time.After(5 * time.Second):
		t.Fatal("api did not bind")
	}
	return a
}

func postVital(t *testing.T, base, patient string, sys, dia int) int {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"patientId": patient,
		"systolic":  sys,
		"diastolic": dia,
		"takenAt":   time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC).Unix(),
	})
	resp, err := http.Post(base+"/vitals", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestAppPipelineOverHTTP(t *testing.T) {
	a := startApp(t, testConfig)
	base := "http://" + a.APIAddr()

	if code := postVital(t, base, "patient-1", 120, 80); code != http.StatusCreated {
		t.Fatalf("normal reading: status %d", code)
	}
	if code := postVital(t, base, "patient-2", 200, 130); code != http.StatusCreated {
		t.Fatalf("abnormal reading: status %d", code)
	}

	waitFor(t, 5*time.Second, func() bool {
		msgs := a.Queue().ListMessages()
		return len(msgs) == 1 && msgs[0].Status == notifier.StatusSent
	})
	msg := a.Queue().ListMessages()[0]
	if msg.PatientID != "patient-2" {
		t.Fatalf("message for %q, want patient-2", msg.PatientID)
	}

	resp, err := http.Get(base + "/alerts?patientId=patient-2")
	if err != nil {
		t.Fatalf("get alerts: %v", err)
	}
	defer resp.Body.Close()
	var page struct {
		Alerts []struct {
			PatientID string `json:"patientId"`
			Systolic  int    `json:"systolic"`
		} `json:"alerts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode alerts: %v", err)
	}
	if len(page.Alerts) != 1 || page.Alerts[0].Systolic != 200 {
		t.Fatalf("alerts: %+v", page.Alerts)
	}

	h := a.Health(context.Background())
	if h.Status != healthOK {
		t.Fatalf("health status %q, want ok", h.Status)
	}
	if h.Store == nil || h.Store.Readings != 2 || h.Store.Alerts != 1 {
		t.Fatalf("store stats: %+v", h.Store)
	}
	if h.Alerting.Alerts != 1 {
		t.Fatalf("alerting stats: %+v", h.Alerting)
	}
}

func TestAppHealthzEndpoint(t *testing.T) {
	a := startApp(t, testConfig)

	resp, err := http.Get("http://" + a.APIAddr() + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var h struct {
		Status string `json:"status"`
		Bus    struct {
			Attached bool `json:"attached"`
		} `json:"bus"`
		Jobs []struct {
			Name string `json:"name"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != healthOK || !h.Bus.Attached {
		t.Fatalf("health: %+v", h)
	}
	// stalled_check is empty in the test config, so only the stats job runs.
	if len(h.Jobs) != 1 || h.Jobs[0].Name != jobStats {
		t.Fatalf("jobs: %+v", h.Jobs)
	}
}

func TestAppStopReleasesEverything(t *testing.T) {
	path := writeConfig(t, t.TempDir(), testConfig)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	<-a.APIReady()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if addr := a.APIAddr(); addr != "" {
		t.Fatalf("api still bound at %s", addr)
	}
	if st := a.alerts.State(); st != alerting.StateStopped {
		t.Fatalf("alert worker state %v", st)
	}
	h := a.Health(context.Background())
	if h.Status != healthDegraded {
		t.Fatalf("health after stop %q, want degraded", h.Status)
	}
	if h.StoreErr == "" {
		t.Fatal("store should report closed after stop")
	}
}

func TestAppReloadAppliesNotifierDelays(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, testConfig)
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})

	// Give the watcher a moment to attach before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(testConfig, `min_delay: "1ms"`, `min_delay: "2ms"`, 1)
	updated = strings.Replace(updated, `stalled_check: ""`, `stalled_check: "@every 1h"`, 1)
	writeConfig(t, dir, updated)

	waitFor(t, 5*time.Second, func() bool {
		return a.Queue().Config().MinDelay == 2*time.Millisecond
	})
	waitFor(t, 2*time.Second, func() bool {
		for _, j := range a.sched.Jobs() {
			if j.Name == jobStalled {
				return true
			}
		}
		return false
	})
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bus:\n  buffer: -1\n")
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestReportStalledOnlyLogs(t *testing.T) {
	var buf bytes.Buffer
	var offset atomic.Int64
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	cfgm := config.NewConfigManager("")
	if _, err := cfgm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	a := &App{
		log:   logx.NewWriter(&buf, "debug"),
		queue: notifier.NewQueue(notifier.QueueConfig{MinDelay: time.Hour, MaxDelay: time.Hour}, logx.Nop(), notifier.WithClock(clock)),
		cfgm:  cfgm,
	}

	a.queue.Enqueue("patient-2", notifier.AlertContent("high"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := a.queue.ProcessNext(ctx)
		done <- err
	}()
	waitFor(t, 2*time.Second, func() bool { return a.queue.Counts().Processing == 1 })

	offset.Store(int64(3 * time.Minute))
	if err := a.reportStalled(context.Background()); err != nil {
		t.Fatalf("reportStalled: %v", err)
	}
	if !strings.Contains(buf.String(), "notifications stalled in processing") {
		t.Fatalf("expected stalled warning, got %q", buf.String())
	}
	if a.queue.Counts().Processing != 1 {
		t.Fatal("stalled report must not change message state")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("ProcessNext after cancel: %v", err)
	}
}
