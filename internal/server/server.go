// Package server implements the HTTP API for Mitoru: call management,
// event history, SSE streaming and health.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mitoru-ai/mitoru/internal/coordinator"
	"github.com/mitoru-ai/mitoru/internal/ratelimit"
	"github.com/mitoru-ai/mitoru/internal/storage"
)

// Server is the Mitoru HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and configuration for creating a Server.
type Config struct {
	Store       storage.Store
	Coordinator *coordinator.Coordinator
	Logger      *slog.Logger

	// Optional MCP tool surface (nil = disabled).
	MCPServer *mcpserver.MCPServer

	// Optional per-client-IP rate limiter (nil = disabled).
	RateLimiter ratelimit.Limiter

	// Optional raw OpenAPI YAML served at /openapi.yaml (nil = disabled).
	OpenAPISpec []byte

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &Handlers{
		store:   cfg.Store,
		coord:   cfg.Coordinator,
		logger:  cfg.Logger,
		version: cfg.Version,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("POST /v1/agents/{agent_name}/calls", h.HandleCreateCall)
	mux.HandleFunc("GET /v1/agents/{agent_name}/calls", h.HandleListCalls)

	mux.HandleFunc("GET /v1/calls/{call_id}", h.HandleGetCall)
	mux.HandleFunc("POST /v1/calls/{call_id}/cancel", h.HandleCancelCall)
	mux.HandleFunc("GET /v1/calls/{call_id}/events", h.HandleGetEvents)
	mux.HandleFunc("GET /v1/calls/{call_id}/events/stream", h.HandleStreamEvents)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	if len(cfg.OpenAPISpec) > 0 {
		mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPISpec)
		})
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → rate limit → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	if cfg.RateLimiter != nil {
		handler = ratelimit.Middleware(cfg.RateLimiter, ratelimit.IPKeyFunc, RequestIDFromRequest)(handler)
	}
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
