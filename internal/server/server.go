// Package server exposes the read-only operator API: health, pipeline
// status, the copy-order ledger and a websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
	"github.com/alanyoungcy/polymirror/internal/server/handler"
	"github.com/alanyoungcy/polymirror/internal/server/middleware"
	"github.com/alanyoungcy/polymirror/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	// Limiter, when set, caps each client at RateLimit requests per
	// RateWindow.
	Limiter    domain.RateLimiter
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the route handlers. Hub may be nil.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Orders *handler.OrderHandler
	Hub    *ws.Hub
}

// Server is the operator HTTP and websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in the middleware chain.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewHandler(cfg, h, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, h Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	mux.HandleFunc("GET /api/orders", h.Orders.ListOrders)
	mux.HandleFunc("GET /api/orders/{signal_id}", h.Orders.GetOrder)
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	// Innermost first: auth, rate limit, logging, then CORS on the outside so
	// preflights and rejections still carry CORS headers.
	var out http.Handler = mux
	out = middleware.Auth(cfg.APIKey, "/api/health")(out)
	if cfg.Limiter != nil && cfg.RateLimit > 0 {
		out = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(out)
	}
	out = middleware.Logging(logger, "/api/health")(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Run serves until ctx ends, then shuts down gracefully with a 5s budget.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.logger.InfoContext(ctx, "server: listening", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
