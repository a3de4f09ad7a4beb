package api

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"judge-engine/internal/config"
	"judge-engine/internal/monitor"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Engine exposes runner state for the health endpoint.
type Engine interface {
	Isolation() string
	ActiveCount() int64
}

// Deps are the collaborators of the HTTP surface. Ledger, Submissions and
// Database are nil when no submission ledger is configured.
type Deps struct {
	Grader      Grader
	Admission   Admitter
	Ledger      Ledger
	Submissions SubmissionStore
	Database    HealthChecker
	Engine      Engine
	Languages   []LanguageInfo
	Metrics     *monitor.Metrics

	// BaseContext parents every request context. Cancelling it stops the
	// runs of requests still in flight.
	BaseContext context.Context
}

// Server is the HTTP server for the judge API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	deps       Deps
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = monitor.NewMetrics()
	}
	handlers := NewHandlers(deps.Grader, deps.Admission, deps.Ledger, deps.Metrics,
		deps.Languages, cfg.Server.MaxSourceBytes, cfg.Security.UserHeader)
	handlers.submissions = deps.Submissions

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true so /submit trusts every caller")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, /submit will reject all requests")
		}
	}

	auth := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", handlers.HandleRun)
	mux.Handle("POST /submit", auth(http.HandlerFunc(handlers.HandleSubmit)))
	mux.Handle("GET /submissions", auth(http.HandlerFunc(handlers.HandleListSubmissions)))
	mux.Handle("GET /submissions/{id}", auth(http.HandlerFunc(handlers.HandleGetSubmission)))
	mux.HandleFunc("GET /languages", handlers.HandleLanguages)
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = ThrottleMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	if deps.BaseContext != nil {
		s.httpServer.BaseContext = func(net.Listener) context.Context { return deps.BaseContext }
	}

	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.Database == nil || s.deps.Database.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Engine != nil {
		resp.Isolation = s.deps.Engine.Isolation()
		resp.ActiveRuns = s.deps.Engine.ActiveCount()
	}

	// The ledger is best-effort, so a lost database degrades but does not
	// take the engine out of rotation.
	if !dbOK {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}
