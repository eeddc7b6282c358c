// Package server is the engine's HTTP and WebSocket API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/futarchy/internal/domain"
	"github.com/alanyoungcy/futarchy/internal/server/handler"
	"github.com/alanyoungcy/futarchy/internal/server/middleware"
	"github.com/alanyoungcy/futarchy/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RequireSignatures accepts only EIP-191 signed mutating requests.
	RequireSignatures bool
	SignatureMaxAge   time.Duration
	RateLimit         int
	RateWindow        time.Duration
	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Proposals *handler.ProposalHandler
	Events    *handler.EventsHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (CORS, logging, caller identity, auth, rate
// limiting) and attaches the WebSocket hub. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	p := handlers.Proposals
	mux.HandleFunc("POST /api/proposals", p.CreateProposal)
	mux.HandleFunc("GET /api/proposals", p.ListProposals)
	mux.HandleFunc("GET /api/proposals/{id}", p.GetProposal)
	mux.HandleFunc("GET /api/proposals/{id}/prices", p.Prices)
	mux.HandleFunc("GET /api/proposals/{id}/quote", p.Quote)
	mux.HandleFunc("GET /api/proposals/{id}/balances/{holder}", p.Balances)
	mux.HandleFunc("POST /api/proposals/{id}/buy", p.Buy)
	mux.HandleFunc("POST /api/proposals/{id}/sell", p.Sell)
	mux.HandleFunc("POST /api/proposals/{id}/poke", p.Poke)
	mux.HandleFunc("POST /api/proposals/{id}/close", p.Close)
	mux.HandleFunc("POST /api/proposals/{id}/resolve", p.Resolve)
	mux.HandleFunc("POST /api/proposals/{id}/emergency-resolve", p.EmergencyResolve)
	mux.HandleFunc("POST /api/proposals/{id}/execute", p.Execute)
	mux.HandleFunc("POST /api/proposals/{id}/reject", p.Reject)
	mux.HandleFunc("POST /api/proposals/{id}/cancel", p.Cancel)
	mux.HandleFunc("POST /api/proposals/{id}/redeem", p.Redeem)

	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
		mux.HandleFunc("GET /api/audit", handlers.Events.ListAudit)
	}

	open := []string{"/api/health"}
	if cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
		open = append(open, cfg.MetricsPath)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	h = middleware.Caller(middleware.CallerConfig{
		RequireSignatures: cfg.RequireSignatures,
		MaxAge:            cfg.SignatureMaxAge,
	})(h)
	h = middleware.Auth(cfg.APIKey, open...)(h)
	h = middleware.Logging(logger)(h)
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
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

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
