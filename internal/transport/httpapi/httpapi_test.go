package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"vitalwatch/internal/eventbus"
	"vitalwatch/internal/ingest"
	"vitalwatch/internal/notifier"
	"vitalwatch/internal/storage"
	"vitalwatch/internal/vitals"
	logx "vitalwatch/pkg/logx"
)

type fixture struct {
	bus   *eventbus.Bus
	store storage.Store
	queue *notifier.Queue
	hub   *Hub
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logx.Nop()
	f := &fixture{
		bus:   eventbus.New(),
		store: storage.NewMemory(storage.Config{}, log),
		queue: notifier.NewQueue(notifier.QueueConfig{MinDelay: time.Millisecond, MaxDelay: time.Millisecond}, log),
	}
	f.hub = NewHub(f.queue.ListMessages, log)
	f.queue.AddListener(f.hub.OnMessage)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = f.hub.Run(ctx) }()

	svc := ingest.New(f.store, f.bus, log)
	health := func(context.Context) any { return map[string]any{"status": "ok", "attached": f.bus.Attached()} }
	f.srv = httptest.NewServer(NewRouter(NewHandler(svc, f.queue, f.hub, health, log)))
	t.Cleanup(func() {
		f.srv.Close()
		cancel()
		_ = f.store.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp, out
}

func decodeField[T any](t *testing.T, out map[string]json.RawMessage, key string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(out[key], &v); err != nil {
		t.Fatalf("decode %s: %v (%s)", key, err, out[key])
	}
	return v
}

func vitalBody(patient string, sys, dia int, at int64) string {
	return fmt.Sprintf(`{"patientId":%q,"systolic":%d,"diastolic":%d,"takenAt":%d}`, patient, sys, dia, at)
}

func TestPostAndListVitals(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, out := f.do(t, http.MethodPost, "/vitals", vitalBody("patient-1", 200, 80, 1_760_000_000))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST status = %d, body %v", resp.StatusCode, out)
	}
	v := decodeField[vitalResponse](t, out, "vital")
	if v.ID == "" || v.PatientID != "patient-1" || !v.Abnormal || v.TakenAt.Unix() != 1_760_000_000 {
		t.Fatalf("vital = %+v", v)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	resp, out = f.do(t, http.MethodGet, "/vitals?patientId=patient-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	list := decodeField[[]vitalResponse](t, out, "vitals")
	if len(list) != 1 || list[0].ID != v.ID {
		t.Fatalf("vitals = %+v", list)
	}
	if _, ok := out["nextCursor"]; ok {
		t.Fatal("nextCursor set on the only page")
	}
}

func TestVitalsPagination(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for i := int64(0); i < 3; i++ {
		if resp, out := f.do(t, http.MethodPost, "/vitals", vitalBody("p", 120, 80, 1_760_000_000+i)); resp.StatusCode != http.StatusCreated {
			t.Fatalf("POST %d = %d %v", i, resp.StatusCode, out)
		}
	}

	_, out := f.do(t, http.MethodGet, "/vitals?patientId=p&limit=2", "")
	first := decodeField[[]vitalResponse](t, out, "vitals")
	cursor := decodeField[string](t, out, "nextCursor")
	if len(first) != 2 || cursor == "" {
		t.Fatalf("first page = %d items, cursor %q", len(first), cursor)
	}
	if first[0].TakenAt.Unix() != 1_760_000_002 {
		t.Fatalf("first item taken at %d, want newest", first[0].TakenAt.Unix())
	}

	_, out = f.do(t, http.MethodGet, "/vitals?patientId=p&limit=2&cursor="+cursor, "")
	second := decodeField[[]vitalResponse](t, out, "vitals")
	if len(second) != 1 || second[0].TakenAt.Unix() != 1_760_000_000 {
		t.Fatalf("second page = %+v", second)
	}
	if _, ok := out["nextCursor"]; ok {
		t.Fatal("nextCursor set on last page")
	}
}

func TestBadRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		name, method, path, body string
	}{
		{"zero systolic", http.MethodPost, "/vitals", vitalBody("p", 0, 80, 1_760_000_000)},
		{"blank patient", http.MethodPost, "/vitals", vitalBody(" ", 120, 80, 1_760_000_000)},
		{"missing takenAt", http.MethodPost, "/vitals", `{"patientId":"p","systolic":120,"diastolic":80}`},
		{"unknown field", http.MethodPost, "/vitals", `{"patientId":"p","systolic":120,"diastolic":80,"takenAt":1,"pulse":70}`},
		{"not json", http.MethodPost, "/vitals", `systolic=120`},
		{"no patient", http.MethodGet, "/vitals", ""},
		{"bad limit", http.MethodGet, "/vitals?patientId=p&limit=ten", ""},
		{"zero limit", http.MethodGet, "/vitals?patientId=p&limit=0", ""},
		{"negative limit", http.MethodGet, "/alerts?patientId=p&limit=-1", ""},
		{"empty limit", http.MethodGet, "/vitals?patientId=p&limit=", ""},
		{"takenAt past nanosecond range", http.MethodPost, "/vitals", vitalBody("p", 120, 80, 10_000_000_000)},
		{"limit above cap", http.MethodGet, "/alerts?patientId=p&limit=500", ""},
		{"bad cursor", http.MethodGet, "/alerts?patientId=p&cursor=nope", ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp, out := f.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%v)", resp.StatusCode, out)
			}
			if decodeField[string](t, out, "error") == "" {
				t.Fatal("empty error message")
			}
		})
	}
}

func TestPostAfterBusClosedIsConflict(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.bus.Close()
	resp, _ := f.do(t, http.MethodPost, "/vitals", vitalBody("p", 120, 80, 1_760_000_000))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	// The reading was still stored.
	_, out := f.do(t, http.MethodGet, "/vitals?patientId=p", "")
	if got := decodeField[[]vitalResponse](t, out, "vitals"); len(got) != 1 {
		t.Fatalf("stored vitals = %d, want 1", len(got))
	}
}

func TestListAlertsAndMessages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	r := vitals.Reading{ID: "r-1", PatientID: "patient-2", Systolic: 200, Diastolic: 130, TakenAt: at, ReceivedAt: at}
	if err := f.store.AddAlert(context.Background(), vitals.NewAlert("a-1", r, at)); err != nil {
		t.Fatal(err)
	}
	f.queue.Enqueue("patient-2", notifier.AlertContent(vitals.AlertReason(r)))
	f.queue.Enqueue("patient-3", "other")

	_, out := f.do(t, http.MethodGet, "/alerts?patientId=patient-2", "")
	alerts := decodeField[[]map[string]any](t, out, "alerts")
	if len(alerts) != 1 || alerts[0]["status"] != "ACTIVE" || alerts[0]["readingId"] != "r-1" {
		t.Fatalf("alerts = %+v", alerts)
	}

	_, out = f.do(t, http.MethodGet, "/messages?patientId=patient-2", "")
	msgs := decodeField[[]map[string]any](t, out, "messages")
	if len(msgs) != 1 || msgs[0]["status"] != "QUEUED" {
		t.Fatalf("messages = %+v", msgs)
	}
	if _, ok := msgs[0]["sentAt"]; ok {
		t.Fatal("sentAt present on a queued message")
	}

	_, out = f.do(t, http.MethodGet, "/messages", "")
	if got := decodeField[[]messageResponse](t, out, "messages"); len(got) != 2 {
		t.Fatalf("all messages = %d, want 2", len(got))
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp, out := f.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK || decodeField[string](t, out, "status") != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, out)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var fr frame
	if err := conn.ReadJSON(&fr); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return fr
}

func TestWebsocketHistoryThenUpdates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	old := f.queue.Enqueue("p-1", "before connect")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	hist := readFrame(t, conn)
	if hist.Type != frameHistory || len(hist.Messages) != 1 || hist.Messages[0].ID != old.ID {
		t.Fatalf("history frame = %+v", hist)
	}

	if _, _, err := f.queue.ProcessNext(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []notifier.Status{notifier.StatusProcessing, notifier.StatusSent}
	for _, st := range want {
		fr := readFrame(t, conn)
		if fr.Type != frameUpdate || fr.Message == nil || fr.Message.ID != old.ID || fr.Message.Status != st {
			t.Fatalf("update frame = %+v, want %s", fr, st)
		}
	}
	if f.hub.Clients() != 1 {
		t.Fatalf("Clients() = %d, want 1", f.hub.Clients())
	}
}

func TestHubSkipsBacklogOlderThanHistory(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	sent := notifier.Message{ID: 1, PatientID: "p-1", Content: "high", Status: notifier.StatusSent, QueuedAt: at, ProcessingAt: at, SentAt: at}
	h := NewHub(func() []notifier.Message { return []notifier.Message{sent} }, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.Run(ctx) }()

	c := &client{hub: h, send: make(chan []byte, clientSend), remote: "test"}
	if !h.attach(ctx, c) {
		t.Fatal("attach failed")
	}

	// Transitions of message 1 that were queued before the snapshot, then
	// a genuinely new message.
	queued := sent
	queued.Status, queued.ProcessingAt, queued.SentAt = notifier.StatusQueued, time.Time{}, time.Time{}
	processing := sent
	processing.Status, processing.SentAt = notifier.StatusProcessing, time.Time{}
	fresh := notifier.Message{ID: 2, PatientID: "p-2", Content: "high", Status: notifier.StatusQueued, QueuedAt: at}
	h.OnMessage(queued)
	h.OnMessage(processing)
	h.OnMessage(sent)
	h.OnMessage(fresh)

	next := func() frame {
		t.Helper()
		select {
		case b := <-c.send:
			var fr frame
			if err := json.Unmarshal(b, &fr); err != nil {
				t.Fatal(err)
			}
			return fr
		case <-time.After(2 * time.Second):
			t.Fatal("no frame")
			return frame{}
		}
	}
	if fr := next(); fr.Type != frameHistory || len(fr.Messages) != 1 || fr.Messages[0].Status != notifier.StatusSent {
		t.Fatalf("history frame = %+v", fr)
	}
	if fr := next(); fr.Type != frameUpdate || fr.Message == nil || fr.Message.ID != fresh.ID {
		t.Fatalf("frame after history = %+v, want update for message %d", fr, fresh.ID)
	}
}

func TestDashboardRendersQueueAndFeed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.queue.Enqueue("p-9", "<b>bp 200/130</b>")

	resp, err := http.Get(f.srv.URL + "/?patientId=p-9")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}
	page := string(body)
	for _, want := range []string{
		`"/ws"`,
		`var patient = "p-9";`,
		`<span class="status QUEUED">QUEUED</span>`,
		`&lt;b&gt;bp 200/130&lt;/b&gt;`,
	} {
		if !strings.Contains(page, want) {
			t.Fatalf("dashboard missing %q", want)
		}
	}
	if strings.Contains(page, "<b>bp") {
		t.Fatal("message content was not escaped")
	}
}

func TestDashboardWithoutMessages(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, NewHub(nil, logx.Nop()), nil, logx.Nop())
	rec := httptest.NewRecorder()
	NewRouter(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	page := rec.Body.String()
	if !strings.Contains(page, "No notifications") || !strings.Contains(page, `var patient = "patient-1";`) {
		t.Fatalf("unexpected page:\n%s", page)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", vitals.ErrInvalidReading), http.StatusBadRequest},
		{fmt.Errorf("x: %w", storage.ErrInvalidRequest), http.StatusBadRequest},
		{eventbus.ErrClosed, http.StatusConflict},
		{fmt.Errorf("%w: %w", ingest.ErrNotPublished, eventbus.ErrClosed), http.StatusConflict},
		{storage.ErrClosed, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("disk"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}) })
	s := NewServer(ServerConfig{Enabled: true, Addr: "127.0.0.1:0", ReadTimeout: time.Second}, mux, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never bound")
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("Addr() empty while running")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Addr() != "" || s.Supervisor() != nil {
		t.Fatal("server state not cleared after Stop")
	}

	// Disabled config keeps it stopped.
	s.Reconfigure(stopCtx, ServerConfig{Enabled: false})
	if s.Supervisor() != nil {
		t.Fatal("disabled server started")
	}
}

func TestRouterProfilerMount(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, NewHub(nil, logx.Nop()), nil, logx.Nop())
	for _, tt := range []struct {
		name    string
		enabled bool
		want    int
	}{
		{"off", false, http.StatusNotFound},
		{"on", true, http.StatusOK},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			NewRouter(h, WithProfiler(tt.enabled)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
			if rec.Code != tt.want {
				t.Fatalf("GET /debug/pprof/: got %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
