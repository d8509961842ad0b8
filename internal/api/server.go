package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/correlator-io/sentinel/internal/api/middleware"
	"github.com/correlator-io/sentinel/internal/config"
	"github.com/correlator-io/sentinel/internal/scheduler"
	"github.com/correlator-io/sentinel/internal/window"
)

const defaultVersion = "dev"

var ErrNoWindowStore = errors.New("window store cannot be nil")

type (
	// HealthChecker reports whether the storage backend is usable.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// WindowStore lists and resets persisted query windows.
	WindowStore interface {
		ListWindows(ctx context.Context, tenant string) ([]*window.State, error)
		ResetWindow(ctx context.Context, tenant, fingerprint string) (bool, error)
	}

	// PairController exposes the scheduler's pair states and lets a handler keep a
	// pair from running while its window is changed.
	PairController interface {
		Snapshot() []scheduler.PairStatus
		Hold(tenant, fingerprint string) (release func(), err error)
	}

	// Dependencies are the runtime collaborators of the server. Only Windows is required.
	Dependencies struct {
		Store       HealthChecker
		Windows     WindowStore
		Pairs       PairController
		Gatherer    prometheus.Gatherer
		RateLimiter middleware.RateLimiter
		Logger      *slog.Logger
		Version     string
	}

	// Server is the ops HTTP server.
	Server struct {
		httpServer *http.Server
		handler    http.Handler
		logger     *slog.Logger
		config     *ServerConfig
		deps       Dependencies
		verifier   *middleware.AdminVerifier
		public     middleware.PublicPaths
		startTime  time.Time
		now        func() time.Time
	}
)

// NewServer creates the ops server with its routes and middleware stack.
//
// Middleware executes in the order listed:
//  1. CorrelationID tags every request and response
//  2. Recovery catches panics in everything below
//  3. RequestLogger logs completed requests
//  4. RateLimit throttles non-public paths (optional)
//  5. AdminAuth guards non-public paths (enabled when a token hash is configured)
func NewServer(cfg *ServerConfig, deps Dependencies) (*Server, error) {
	if deps.Windows == nil {
		return nil, ErrNoWindowStore
	}

	if deps.Logger == nil {
		deps.Logger = config.NewLogger("api")
	}

	if deps.Version == "" {
		deps.Version = defaultVersion
	}

	s := &Server{
		logger: deps.Logger,
		config: cfg,
		deps:   deps,
		public: middleware.PublicPaths{},
		now:    time.Now,
	}

	if cfg.AdminTokenHash != "" {
		verifier, err := middleware.NewAdminVerifier(cfg.AdminTokenHash)
		if err != nil {
			return nil, err
		}

		s.verifier = verifier
	} else {
		s.logger.Warn("Admin token hash not configured - administrative endpoints disabled")
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(s.logger),
		middleware.WithRequestLogger(s.logger, s.public),
		middleware.WithRateLimit(deps.RateLimiter, s.public, s.logger),
		middleware.WithAdminAuth(s.verifier, s.public, s.logger),
	)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully within the
// configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = s.now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting Sentinel ops server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// InMemoryRateLimiter runs a cleanup goroutine.
	if limiter, ok := s.deps.RateLimiter.(io.Closer); ok {
		if err := limiter.Close(); err != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
