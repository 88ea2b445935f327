// Package api provides the HTTP server through which producers push documents to rest_push
// connectors.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ingestrelay/ingestrelay/internal/api/middleware"
	"github.com/ingestrelay/ingestrelay/internal/storage"
)

// Version is reported by /healthz and the X-IngestRelay-Version header.
var Version = "dev" //nolint:gochecknoglobals

// publicPaths bypass authentication.
var publicPaths = []string{"/ping", "/healthz", "/ready"} //nolint:gochecknoglobals

// Server is the push API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	config     *ServerConfig
	startTime  time.Time

	pusher      Pusher
	connectors  ConnectorFinder
	runs        RunHistory
	health      HealthChecker
	apiKeyStore storage.APIKeyStore
	rateLimiter middleware.RateLimiter
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRunHistory enables the run history endpoints.
func WithRunHistory(runs RunHistory) Option {
	return func(s *Server) {
		s.runs = runs
	}
}

// WithHealthChecker makes /ready depend on checker.
func WithHealthChecker(checker HealthChecker) Option {
	return func(s *Server) {
		s.health = checker
	}
}

// WithAPIKeyStore enables API key authentication against store.
func WithAPIKeyStore(store storage.APIKeyStore) Option {
	return func(s *Server) {
		s.apiKeyStore = store
	}
}

// WithRateLimiter enables rate limiting.
func WithRateLimiter(limiter middleware.RateLimiter) Option {
	return func(s *Server) {
		s.rateLimiter = limiter
	}
}

// NewServer builds the server and its middleware chain. pusher and connectors serve the push
// endpoint. Authentication and rate limiting stay off unless their dependency is supplied.
func NewServer(cfg *ServerConfig, pusher Pusher, connectors ConnectorFinder, opts ...Option) *Server {
	server := &Server{
		config:     cfg,
		pusher:     pusher,
		connectors: connectors,
		logger:     slog.New(slog.NewJSONHandler(os.Stdout, nil)),
	}

	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	if server.apiKeyStore != nil {
		server.logger.Info("API key authentication enabled")
	} else {
		server.logger.Warn("API key store not configured, authentication disabled")
	}

	if server.rateLimiter == nil {
		server.logger.Warn("Rate limiter not configured, rate limiting disabled")
	}

	// Authentication runs before rate limiting so keys are limited individually, and the
	// logger sits innermost so rejected spam is not logged per request.
	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(server.logger),
		middleware.WithAuthentication(server.apiKeyStore, server.logger, publicPaths...),
		middleware.WithRateLimit(server.rateLimiter, server.logger),
		middleware.WithRequestLogger(server.logger),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           server.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return server
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(stop)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting IngestRelay push API",
			slog.String("address", s.config.Address()),
			slog.String("version", Version),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Int64("max_request_size", s.config.MaxRequestSize),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stops the limiter's cleanup goroutine.
	if closer, ok := s.rateLimiter.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("Server shutdown completed")

	return nil
}
