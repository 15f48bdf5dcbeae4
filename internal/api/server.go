// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/defi-aggregator/internal/logging"
	"github.com/defi-aggregator/internal/service"
	"github.com/defi-aggregator/internal/types"
)

// SnapshotServiceInterface defines snapshot construction for handlers
type SnapshotServiceInterface interface {
	BuildSnapshot(ctx context.Context, owner string, opts service.SnapshotOptions) (*types.PortfolioSnapshot, error)
}

// MetricsServiceInterface defines metrics queries for handlers
type MetricsServiceInterface interface {
	GetSeries(ctx context.Context, owner string, timeframe types.Timeframe) (*types.MetricsSeries, error)
	GetProtocolMetrics(ctx context.Context, label string) (*types.ProtocolMetrics, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	snapshots  SnapshotServiceInterface
	metrics    MetricsServiceInterface
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
	FreeTierRPM     int // requests per minute
	BasicTierRPM    int
	PremiumTierRPM  int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, snapshots SnapshotServiceInterface, metrics MetricsServiceInterface, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:    mux.NewRouter(),
		snapshots: snapshots,
		metrics:   metrics,
		config:    config,
		logger:    logger.WithField("component", "api_server"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.FreeTierRPM, s.config.BasicTierRPM, s.config.PremiumTierRPM)

	// middleware order matters
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/portfolio/{address}", s.handleGetPortfolio).Methods("GET")
	s.router.HandleFunc("/portfolio/{address}/positions", s.handleGetPositions).Methods("GET")
	s.router.HandleFunc("/portfolio/{address}/metrics", s.handleGetMetrics).Methods("GET")
	s.router.HandleFunc("/portfolio/{address}/risk", s.handleGetRisk).Methods("GET")

	s.router.HandleFunc("/protocols/{protocol}/metrics", s.handleGetProtocolMetrics).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "defi-aggregator",
	})
}

// Router exposes the configured router; used by tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
