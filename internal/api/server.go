// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chain-crawler/internal/config"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/search"
	"github.com/chain-crawler/internal/service"
	"github.com/gorilla/mux"
)

// Service interfaces for dependency injection and testing

// SearchServiceInterface answers transaction searches
type SearchServiceInterface interface {
	Search(ctx context.Context, f search.Filter) (*service.SearchResult, error)
}

// AccountInfoServiceInterface reads stored accounts and requests crawls
type AccountInfoServiceInterface interface {
	Get(ctx context.Context, address, chainID string) (*service.AccountInfo, error)
	RequestCrawl(ctx context.Context, chainID string, addresses []string) error
}

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router         *mux.Router
	httpServer     *http.Server
	searchService  SearchServiceInterface
	accountService AccountInfoServiceInterface
	health         []Pinger
	config         *ServerConfig
	logger         *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestRPS      int // Requests per second per client, 0 disables limiting
	Chains          config.ChainsConfig
	Logger          *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	searchService SearchServiceInterface,
	accountService AccountInfoServiceInterface,
	health ...Pinger,
) *Server {
	logger := config.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router:         mux.NewRouter(),
		searchService:  searchService,
		accountService: accountService,
		health:         health,
		config:         config,
		logger:         logger.WithComponent("api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestRPS)

	// Order matters: the request logger must exist before anything logs
	s.router.Use(RequestIDMiddleware(s.logger))
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

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/transaction", s.handleSearchTransactions).Methods("GET")

	api.HandleFunc("/account-info", s.handleGetAccountInfo).Methods("GET")
	api.HandleFunc("/account-info/crawl", s.handleCrawlAccounts).Methods("POST")
}

// Handler returns the routed handler with its middleware
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "chain-crawler",
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "chain-crawler",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
