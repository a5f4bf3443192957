// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/edgequota/edgequota/internal/authority"
	"github.com/edgequota/edgequota/internal/config"
	"github.com/edgequota/edgequota/internal/handlers"
	"github.com/edgequota/edgequota/internal/metrics"
	"github.com/edgequota/edgequota/internal/middleware"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/pkg/logger"
)

// routeLimiter is a limiter guarding the routes under its path prefixes.
type routeLimiter struct {
	name    string
	limiter ratelimit.Limiter
	paths   []string
}

// Option configures a Server.
type Option func(*Server)

// WithAuthority serves the quota authority API from h.
func WithAuthority(h *handlers.AuthorityHandler) Option {
	return func(s *Server) { s.authority = h }
}

// WithRateLimiter guards requests under paths with l. Limiters run in the
// order they are added; with no paths l guards every route. The server
// closes l on shutdown.
func WithRateLimiter(name string, l ratelimit.Limiter, paths []string) Option {
	return func(s *Server) {
		s.limiters = append(s.limiters, routeLimiter{name: name, limiter: l, paths: paths})
	}
}

// WithHealthCheck adds a readiness check.
func WithHealthCheck(name string, check handlers.CheckFunc) Option {
	return func(s *Server) { s.healthHandler.AddCheck(name, check) }
}

// Server represents the HTTP server.
type Server struct {
	cfg           *config.Config
	log           *logger.Logger
	httpServer    *http.Server
	healthHandler *handlers.HealthHandler
	authority     *handlers.AuthorityHandler
	limiters      []routeLimiter
	listener      net.Listener
	running       bool
	mu            sync.RWMutex
}

// New creates a new Server instance.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:           cfg,
		log:           log,
		healthHandler: handlers.NewHealthHandler(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.buildMiddlewareChain(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// buildMiddlewareChain creates the middleware chain for the server.
func (s *Server) buildMiddlewareChain(handler http.Handler) http.Handler {
	chain := middleware.New(
		middleware.Recover(s.log),
		middleware.Metrics(),
		middleware.RequestID(),
		middleware.ClientIP(s.cfg.Rate.TrustProxy, nil),
		middleware.AccessLog(s.log),
	)

	for _, rl := range s.limiters {
		chain = chain.Append(middleware.OnPaths(rl.paths, middleware.RateLimit(rl.limiter, middleware.RateLimitConfig{
			TrustProxy:   s.cfg.Rate.TrustProxy,
			APIKeyHeader: s.cfg.Rate.APIKeyHeader,
			Logger:       s.log.With("limiter", rl.name),
		})))

		s.log.Info("rate limiting enabled", "limiter", rl.name, "paths", rl.paths)
	}

	return chain.Then(handler)
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.healthHandler.Health)
	mux.HandleFunc("GET /ready", s.healthHandler.Ready)
	mux.Handle("GET /metrics", metrics.Handler())

	if s.authority != nil {
		mux.HandleFunc("GET "+authority.PathVersion, s.authority.Version)
		mux.HandleFunc("POST "+authority.PathApply, s.authority.Apply)
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	// Listen first so Addr is known when the port is 0.
	listener, err := net.Listen("tcp", s.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.log.Info("server starting", "address", listener.Addr().String())

	err = s.httpServer.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown drains in-flight requests, then closes the limiters and the
// authority handler.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")

	s.healthHandler.SetReady(false)

	err := s.httpServer.Shutdown(ctx)

	for _, rl := range s.limiters {
		if closeErr := rl.limiter.Close(); closeErr != nil {
			s.log.Error("failed to close rate limiter", "limiter", rl.name, "error", closeErr.Error())
		}
	}
	if s.authority != nil {
		if closeErr := s.authority.Close(); closeErr != nil {
			s.log.Error("failed to close authority limiters", "error", closeErr.Error())
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("shutdown error", "error", err.Error())
		return err
	}

	s.log.Info("server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the listener address once Start has bound it.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HealthHandler returns the health handler.
func (s *Server) HealthHandler() *handlers.HealthHandler {
	return s.healthHandler
}
