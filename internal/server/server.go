// Package server exposes the venue over HTTP and WebSocket. Reads are open;
// every mutating route expects the configured API key when one is set.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/otclabs/premarket/internal/domain"
	"github.com/otclabs/premarket/internal/server/handler"
	"github.com/otclabs/premarket/internal/server/middleware"
	"github.com/otclabs/premarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port          int
	CORSOrigins   []string
	APIKey        string             // if empty, authentication is disabled
	Limiter       domain.RateLimiter // if nil, per-IP rate limiting is disabled
	LimiterRate   int                // requests per LimiterWindow per client IP
	LimiterWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	Orders  *handler.OrderHandler
	Audit   *handler.AuditHandler
}

// Server is the HTTP + WebSocket API server for the venue.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket
// hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market reads.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)

	// Market administration. The service layer enforces the operator check;
	// the API key gate in front is the transport-level guard.
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("PUT /api/markets/{id}/token-details", handlers.Markets.SetTokenDetails)
	mux.HandleFunc("POST /api/markets/{id}/deadline", handlers.Markets.SetDeadline)
	mux.HandleFunc("POST /api/markets/{id}/stop", handlers.Markets.StopMarket)
	mux.HandleFunc("POST /api/markets/{id}/start", handlers.Markets.StartMarket)
	mux.HandleFunc("PUT /api/markets/{id}/default-fee", handlers.Markets.SetDefaultFeeRate)
	mux.HandleFunc("PUT /api/markets/{id}/default-recipient", handlers.Markets.SetDefaultCollateralRecipient)

	// Emergency recovery.
	mux.HandleFunc("POST /api/recover/currency", handlers.Markets.RecoverCurrency)
	mux.HandleFunc("POST /api/recover/token", handlers.Markets.RecoverToken)

	// Order lifecycle.
	mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
	mux.HandleFunc("POST /api/orders", handlers.Orders.CreateOrder)
	mux.HandleFunc("POST /api/orders/hash", handlers.Orders.ComputeHash)
	mux.HandleFunc("GET /api/orders/{hash}", handlers.Orders.GetOrder)
	mux.HandleFunc("POST /api/orders/{hash}/match", handlers.Orders.MatchOrder)
	mux.HandleFunc("POST /api/orders/{hash}/fulfill", handlers.Orders.FulfillOrder)
	mux.HandleFunc("POST /api/orders/{hash}/default", handlers.Orders.ClaimDefault)
	mux.HandleFunc("DELETE /api/orders/{hash}", handlers.Orders.CancelOrder)

	// Per-user order index.
	mux.HandleFunc("GET /api/users/{address}/orders", handlers.Orders.ListUserOrders)

	// Audit log.
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}

	// WebSocket event feed.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if cfg.Limiter != nil {
		h = middleware.RateLimit(cfg.Limiter, cfg.LimiterRate, cfg.LimiterWindow)(h)
	}
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
