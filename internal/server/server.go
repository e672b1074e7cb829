// Package server assembles the HTTP handler chain around the API routes:
// request IDs, request logging, CORS for browser clients, and rate limiting on
// the ingest-authorization callback.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"driftcast-live/internal/api"
)

type Config struct {
	Addr           string
	RateLimit      RateLimitConfig
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

// New wraps the API handler in the middleware chain and configures the HTTP
// server. WebSocket traffic shares the listener, so write timeouts stay on the
// generous side and the upgrade path must keep Hijack reachable.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}

	rl := newRateLimiter(cfg.RateLimit)
	chain := http.Handler(handler.Routes())
	chain = rateLimitMiddleware(rl, cfg.Logger, chain)
	chain = corsMiddleware(cfg.AllowedOrigins, chain)
	chain = loggingMiddleware(cfg.Logger, chain)
	chain = requestIDMiddleware(cfg.Logger, chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		rateLimiter: rl,
	}, nil
}

// HTTPServer exposes the configured server for the runtime supervisor.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
