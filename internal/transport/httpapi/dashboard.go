package httpapi

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"github.com/samber/lo"

	"vitalwatch/internal/notifier"
)

const defaultDashboardPatient = "patient-1"

//go:embed templates/dashboard.html
var templatesFS embed.FS

var dashboardTmpl = template.Must(template.ParseFS(templatesFS, "templates/dashboard.html"))

type dashboardData struct {
	Patient  string
	Messages []messageResponse
}

// dashboard renders the operator page. The notification list is filled in
// server side; the page then follows /ws and reads the JSON endpoints.
func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{Patient: strings.TrimSpace(r.URL.Query().Get("patientId"))}
	if data.Patient == "" {
		data.Patient = defaultDashboardPatient
	}
	if h.messages != nil {
		msgs := h.messages.ListMessages()
		data.Messages = lo.Map(msgs, func(m notifier.Message, _ int) messageResponse { return toMessage(m) })
	}

	var buf bytes.Buffer
	if err := dashboardTmpl.Execute(&buf, data); err != nil {
		h.fail(w, r, fmt.Errorf("render dashboard: %w", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = buf.WriteTo(w)
}
