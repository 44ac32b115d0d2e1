package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/markmiedema/nexus-analyzer/internal/analysis"
	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/registry"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	metrics *Metrics
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. repo, cache and bus may be nil; the
// endpoints that need them then answer 503.
func NewServer(cfg domain.ServerConfig, svc *analysis.Service, rules *registry.Registry, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Server {
	metrics := NewMetrics()
	metrics.WatchCache(cache)
	handler := NewHandler(svc, rules, repo, cache, bus, metrics, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(metrics.Middleware)     // Prometheus request metrics
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Operational endpoints (no client required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Rule catalog (no client required)
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{state}", handler.GetRule)

	// Client routes
	router.Group(func(r chi.Router) {
		r.Use(ClientMiddleware)

		// Analysis
		r.With(LedgerUpload(MaxBodyBytes)).Post("/analyze", handler.Analyze)
		r.With(LedgerUpload(MaxBodyBytes)).Post("/analyze/async", handler.AnalyzeAsync)

		// Stored runs
		r.Get("/runs", handler.ListRuns)
		r.Get("/runs/{id}", handler.GetRun)
		r.Get("/runs/{id}/transactions/{state}", handler.GetRunTransactions)
	})

	return &Server{
		router:  router,
		handler: handler,
		metrics: metrics,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
