// Package gateway serves the job API and the per-job streaming endpoint.
package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cordum/jobrelay/core/controlplane/executor"
	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/bus"
	"github.com/cordum/jobrelay/core/infra/config"
	"github.com/cordum/jobrelay/core/infra/jobstore"
	"github.com/cordum/jobrelay/core/infra/metrics"
	"github.com/gorilla/websocket"
)

const (
	maxSubmitBytes = 2 << 20 // 2 MiB limit for submit payloads
	maxUploadBytes = 1 << 30
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "jobrelay-api-key"
)

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Store          jobstore.Store
	Broker         bus.Broker
	Executor       *executor.Executor
	Layout         *artifacts.Layout
	Metrics        metrics.Metrics
	GatewayMetrics metrics.GatewayMetrics
}

// Server is the HTTP and websocket front of the job subsystem.
type Server struct {
	cfg      *config.Config
	store    jobstore.Store
	broker   bus.Broker
	exec     *executor.Executor
	layout   *artifacts.Layout
	metrics  metrics.Metrics
	gwm      metrics.GatewayMetrics
	auth     *apiKeyAuth
	origins  originPolicy
	limiter  *tokenBucket
	upgrader websocket.Upgrader
	started  time.Time
}

func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		store:   deps.Store,
		broker:  deps.Broker,
		exec:    deps.Executor,
		layout:  deps.Layout,
		metrics: deps.Metrics,
		gwm:     deps.GatewayMetrics,
		auth:    newAPIKeyAuth(cfg.APIKey, cfg.APIKeyHeader),
		origins: newOriginPolicy(cfg.AllowedOrigins),
		limiter: newTokenBucket(cfg.RateLimitRPS, cfg.RateLimitBurst),
		started: time.Now(),
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.gwm == nil {
		s.gwm = metrics.Noop{}
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:  s.origins.allowed,
		Subprotocols: []string{wsAPIKeyProtocol},
	}
	return s
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	// Jobs
	mux.HandleFunc("POST /api/v1/cli/run", s.instrumented("/api/v1/cli/run", s.handleSubmit))
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.instrumented("/api/v1/jobs/{id}", s.handleGetJob))
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", s.instrumented("/api/v1/jobs/{id}", s.handleCancelJob))
	mux.HandleFunc("GET /api/v1/jobs/{id}/manifest", s.instrumented("/api/v1/jobs/{id}/manifest", s.handleManifest))
	mux.HandleFunc("GET /api/v1/jobs/{id}/download", s.instrumented("/api/v1/jobs/{id}/download", s.handleDownload))

	// Uploads
	mux.HandleFunc("POST /api/v1/upload", s.instrumented("/api/v1/upload", s.handleUpload))

	// Stream (WebSocket); authenticates after the upgrade
	mux.HandleFunc("GET /ws/jobs/{id}", s.instrumented("/ws/jobs/{id}", s.handleStream))

	return s.corsMiddleware(s.rateLimitMiddleware(s.apiKeyMiddleware(mux)))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *Server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.gwm.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}
