// Package web is the control API for the taskwatch daemon. It exposes the
// registry and live connection state over JSON, relays bus events to SSE
// and WebSocket clients, and accepts inbound task announcements.
package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SolaceLabs/taskwatch/internal/auth"
	"github.com/SolaceLabs/taskwatch/internal/events"
	"github.com/SolaceLabs/taskwatch/internal/logging"
	"github.com/SolaceLabs/taskwatch/internal/metrics"
	"github.com/SolaceLabs/taskwatch/internal/store"
	"github.com/SolaceLabs/taskwatch/internal/sweep"
	"github.com/SolaceLabs/taskwatch/internal/watch"
)

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Watcher       TaskWatcher
	Sweeper       SweepRunner // nil disables /api/sweep
	History       HistoryReader
	EventBus      *events.Bus
	Auth          *auth.Service // nil means no auth (mode "none")
	Notifications NotifySettings // nil disables /api/settings
	Log           *logging.Logger
	Version       string

	HookSecret   string // "" disables /hooks/tasks
	UpstreamBase string // base URL for resolving relative hook endpoints
}

// TaskWatcher drives watches from API requests.
type TaskWatcher interface {
	Attach(opts watch.AttachOptions) (*watch.Observation, error)
	Tasks() []watch.TaskStatus
	Find(taskID string) (watch.TaskStatus, bool)
	Forget(taskID string) bool
	Restart(taskID string) error
}

// SweepRunner triggers and reports reconciliation sweeps.
type SweepRunner interface {
	Sweep(ctx context.Context) sweep.Report
	Last() *sweep.Report
}

// HistoryReader reads and prunes recorded task events.
type HistoryReader interface {
	ListEvents(taskID string, limit int) ([]store.EventRecord, error)
	DeleteEvents(taskID string) (int, error)
}

// NotifySettings manages the runtime notification event filter.
type NotifySettings interface {
	NotifyEvents() []string
	SetNotifyEvents(events []string) error
}

// Server is the control API HTTP server.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	server  *http.Server
	started time.Time
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewService("none", "", nil, nil, deps.Log)
	}
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and WebSocket connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Handler returns the fully wrapped handler, for serving and for tests.
func (s *Server) Handler() http.Handler {
	return s.withMetrics(s.mux)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	authed := func(h http.HandlerFunc) http.Handler {
		return s.deps.Auth.Middleware(h)
	}

	// Public routes. The hook endpoint carries its own secret and the
	// other two serve probes and scrapers.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("POST /hooks/tasks", s.handleTaskHook)

	// Control API.
	s.mux.Handle("GET /api/status", authed(s.apiStatus))
	s.mux.Handle("GET /api/tasks", authed(s.apiTasks))
	s.mux.Handle("POST /api/tasks", authed(s.apiAttachTask))
	s.mux.Handle("GET /api/tasks/{id}", authed(s.apiTaskDetail))
	s.mux.Handle("DELETE /api/tasks/{id}", authed(s.apiForgetTask))
	s.mux.Handle("POST /api/tasks/{id}/restart", authed(s.apiRestartTask))
	s.mux.Handle("GET /api/tasks/{id}/events", authed(s.apiTaskEvents))
	s.mux.Handle("POST /api/sweep", authed(s.apiSweep))
	s.mux.Handle("GET /api/events", authed(s.apiSSE))
	s.mux.Handle("GET /api/events/ws", authed(s.apiWS))
	s.mux.Handle("GET /api/settings", authed(s.apiSettings))
	s.mux.Handle("PUT /api/settings/notify", authed(s.apiSetNotifyEvents))
	s.mux.Handle("POST /api/tokens", authed(s.apiMintToken))
	s.mux.Handle("GET /api/tokens", authed(s.apiListTokens))
	s.mux.Handle("DELETE /api/tokens/{id}", authed(s.apiRevokeToken))
}

// withMetrics counts requests by method and status and logs them at debug.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		s.deps.Log.Debug("api request", "method", r.Method, "path", r.URL.Path, "status", rec.status)
	})
}

// statusRecorder captures the response status for metrics. It passes
// Flusher and Hijacker through so streaming handlers keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if fl, ok := r.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return hj.Hijack()
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
