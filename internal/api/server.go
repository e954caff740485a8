// Package api provides the HTTP trigger surface of the sync engine.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/market-sync/internal/logging"
	"github.com/market-sync/internal/service"
	"github.com/market-sync/internal/worker"
)

// Service interfaces for dependency injection and testing

// SyncTrigger runs the sync jobs on demand
type SyncTrigger interface {
	SyncEvents(ctx context.Context) ([]*service.SyncReport, error)
	SyncListings(ctx context.Context) (*service.ReconcileResult, error)
	SyncCollectibles(ctx context.Context) (*service.ReconcileResult, error)
}

// OwnershipReader answers owned-token queries
type OwnershipReader interface {
	GetOwnedTokens(ctx context.Context, address string, page, perPage int) (*service.OwnedTokensPage, error)
}

// CacheClearer removes cached entries by key or pattern
type CacheClearer interface {
	Clear(ctx context.Context, keyOrPattern ...string) error
}

// StatusReader reports run counts and per-job statistics of the sync jobs
type StatusReader interface {
	GetStatus() *worker.SyncRunnerStatus
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

var (
	_ SyncTrigger  = (*worker.SyncRunner)(nil)
	_ StatusReader = (*worker.SyncRunner)(nil)
)

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	sync       SyncTrigger
	status     StatusReader
	ownership  OwnershipReader
	cache      CacheClearer
	checks     map[string]HealthCheck
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
}

// Dependencies groups the collaborators of the server. Any of them may be
// nil; the matching routes then answer 503.
type Dependencies struct {
	Sync      SyncTrigger
	Status    StatusReader
	Ownership OwnershipReader
	Cache     CacheClearer
	Checks    map[string]HealthCheck
	Logger    *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:    mux.NewRouter(),
		sync:      deps.Sync,
		status:    deps.Status,
		ownership: deps.Ownership,
		cache:     deps.Cache,
		checks:    deps.Checks,
		config:    config,
		logger:    logger,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	// CORS wraps the router so that preflight requests never reach route matching
	s.handler = CORSMiddleware(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/sync/events", s.handleSyncEvents).Methods("POST")
	api.HandleFunc("/sync/listings", s.handleSyncListings).Methods("POST")
	api.HandleFunc("/sync/collectibles", s.handleSyncCollectibles).Methods("POST")
	api.HandleFunc("/sync/status", s.handleSyncStatus).Methods("GET")

	api.HandleFunc("/owners/{address}/tokens", s.handleGetOwnedTokens).Methods("GET")

	api.HandleFunc("/cache", s.handleClearCache).Methods("DELETE")
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
