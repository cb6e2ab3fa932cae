package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "vitalwatch/pkg/logx"
)

type routerOptions struct {
	profiler bool
}

type RouterOption func(*routerOptions)

// WithProfiler mounts the runtime profiler under /debug.
func WithProfiler(enabled bool) RouterOption {
	return func(o *routerOptions) { o.profiler = enabled }
}

func NewRouter(h *Handler, opts ...RouterOption) *chi.Mux {
	var o routerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)

	r.Get("/", h.dashboard)
	r.Get("/healthz", h.healthz)
	r.Post("/vitals", h.postVital)
	r.Get("/vitals", h.listVitals)
	r.Get("/alerts", h.listAlerts)
	r.Get("/messages", h.listMessages)
	r.Get("/ws", h.liveFeed)
	if o.profiler {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// requestLogger logs one line per request at debug, and at warn for
// server errors.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			}
			if ww.Status() >= http.StatusInternalServerError {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}
