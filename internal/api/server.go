// Package api implements the Deskpilot HTTP API.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nugget/deskpilot/internal/agent"
	"github.com/nugget/deskpilot/internal/buildinfo"
	"github.com/nugget/deskpilot/internal/checkpoint"
	"github.com/nugget/deskpilot/internal/config"
	"github.com/nugget/deskpilot/internal/connwatch"
	"github.com/nugget/deskpilot/internal/events"
	"github.com/nugget/deskpilot/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Runner executes and resumes agent runs.
type Runner interface {
	Run(ctx context.Context, req *agent.Request) (*agent.Response, error)
	Resume(ctx context.Context, req *agent.ResumeRequest) (*agent.Response, error)
	StagedThread(runID string) (string, error)
}

// ThreadReader loads stored thread state.
type ThreadReader interface {
	Load(ctx context.Context, threadID string) (*session.State, error)
}

// HealthReporter reports the reachability of watched dependencies.
type HealthReporter interface {
	Status() map[string]connwatch.Status
	Unhealthy() []string
}

// RunLister lists suspended runs.
type RunLister interface {
	List(threadID string) ([]*checkpoint.Summary, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	runner  Runner
	threads ThreadReader
	runs    RunLister
	usage   UsageReader
	health  HealthReporter
	bus     *events.Bus
	cookie  config.ThreadConfig
	webhook *http.Client
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, runner Runner, threads ThreadReader, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		runner:  runner,
		threads: threads,
		cookie:  config.Default().Thread,
		logger:  logger,
	}
}

// SetThreadCookie configures the thread cookie issued to clients.
func (s *Server) SetThreadCookie(c config.ThreadConfig) {
	if c.CookieName == "" {
		c.CookieName = config.Default().Thread.CookieName
	}
	s.cookie = c
}

// SetRunLister configures the source for GET /v1/runs.
func (s *Server) SetRunLister(r RunLister) {
	s.runs = r
}

// SetHealthReporter configures the dependency status reported by
// GET /health.
func (s *Server) SetHealthReporter(h HealthReporter) {
	s.health = h
}

// SetEventBus configures the bus streamed by GET /v1/events.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// SetWebhookClient sets the HTTP client used by request-supplied
// webhook tools.
func (s *Server) SetWebhookClient(c *http.Client) {
	s.webhook = c
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/thread", s.handleNewThread)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("GET /v1/threads/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /v1/runs", s.handleRunList)
	mux.HandleFunc("POST /v1/runs/{id}/decision", s.handleDecision)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns [http.ErrServerClosed]
// after [Server.Shutdown].
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // Runs may invoke the model many times
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for logging. It passes
// hijacking through so websocket upgrades work behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Deskpilot",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports "healthy", or "degraded" with status 503 when a
// watched dependency is unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"status": "healthy"}
	if s.bus != nil {
		body["events_dropped"] = s.bus.Dropped()
	}
	if s.health != nil {
		body["services"] = s.health.Status()
		if len(s.health.Unhealthy()) > 0 {
			body["status"] = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}
	writeJSON(w, body, s.logger)
}
