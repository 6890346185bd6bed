// Package server assembles the relay HTTP API: the public health check, the
// operator administration surface, and the signed device exchange.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/whoiscaerus/signalrelay/internal/auth"
	"github.com/whoiscaerus/signalrelay/internal/domain"
	"github.com/whoiscaerus/signalrelay/internal/server/handler"
	"github.com/whoiscaerus/signalrelay/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port          int
	CORSOrigins   []string
	OperatorToken string // guards the /api/v1/admin routes
	RateLimit     int    // device requests per RateWindow per client
	RateWindow    time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health *handler.HealthHandler
	Client *handler.ClientHandler
	Admin  *handler.AdminHandler
}

// Server is the HTTP API server for the signal relay.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Device routes each pass through the full authentication pipeline with the
// activity touch that route implies; admin routes are guarded by the
// operator token.
func NewServer(cfg Config, handlers Handlers, authenticator *auth.Authenticator, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Device exchange. Each route is wrapped individually because the
	// activity touch differs per operation.
	devAuth := func(touch auth.Touch, h http.HandlerFunc) http.Handler {
		var wrapped http.Handler = h
		wrapped = middleware.DeviceAuth(authenticator, touch, logger)(wrapped)
		if limiter != nil {
			wrapped = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(wrapped)
		}
		return wrapped
	}
	mux.Handle("GET /api/v1/client/poll", devAuth(auth.TouchPoll, handlers.Client.Poll))
	mux.Handle("POST /api/v1/client/ack", devAuth(auth.TouchAck, handlers.Client.Ack))
	mux.Handle("GET /api/v1/client/commands", devAuth(auth.TouchPoll, handlers.Client.Commands))
	mux.Handle("POST /api/v1/client/commands/ack", devAuth(auth.TouchAck, handlers.Client.CommandAck))
	mux.Handle("GET /api/v1/client/signals/{approval_id}/envelope", devAuth(auth.TouchNone, handlers.Client.Envelope))

	// Operator surface.
	adminAuth := middleware.Auth(cfg.OperatorToken)
	admin := func(h http.HandlerFunc) http.Handler {
		return adminAuth(h)
	}
	mux.Handle("POST /api/v1/admin/devices", admin(handlers.Admin.RegisterDevice))
	mux.Handle("GET /api/v1/admin/devices", admin(handlers.Admin.ListDevices))
	mux.Handle("DELETE /api/v1/admin/devices/{id}", admin(handlers.Admin.RevokeDevice))
	mux.Handle("POST /api/v1/admin/devices/{id}/rotate-key", admin(handlers.Admin.RotateDeviceKey))
	mux.Handle("POST /api/v1/admin/signals", admin(handlers.Admin.IngestSignal))
	mux.Handle("POST /api/v1/admin/signals/{id}/decision", admin(handlers.Admin.DecideSignal))
	mux.Handle("GET /api/v1/admin/positions", admin(handlers.Admin.ListOpenPositions))
	mux.Handle("POST /api/v1/admin/positions/{id}/close", admin(handlers.Admin.ClosePosition))

	// Build the outer middleware chain.
	var h http.Handler = mux

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
