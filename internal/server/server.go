package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/meridian-hie/conduit/internal/ratelimit"
)

// Server is the conduit ops HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Processor, Retry, Jobs.
type ServerConfig struct {
	Store  Store
	Logger *slog.Logger

	Processor ProcessorStatus
	Retry     RetryQueuer
	Jobs      JobRunner

	// WriteLimiter throttles the mutating routes per operator. Nil disables it.
	WriteLimiter ratelimit.Limiter

	// ExtraRoutes are registered after the built-in routes. Middlewares wrap
	// the whole handler, first entry outermost.
	ExtraRoutes []func(mux *http.ServeMux)
	Middlewares []func(http.Handler) http.Handler

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		Processor:           cfg.Processor,
		Retry:               cfg.Retry,
		Jobs:                cfg.Jobs,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	limited := func(fn http.HandlerFunc) http.Handler { return fn }
	if cfg.WriteLimiter != nil {
		mw := ratelimit.Middleware(cfg.WriteLimiter, ratelimit.HeaderOrIPKey(HeaderUser),
			func(r *http.Request) string { return RequestIDFromContext(r.Context()) }, cfg.Logger)
		limited = func(fn http.HandlerFunc) http.Handler { return mw(fn) }
	}

	// Task administration.
	mux.Handle("POST /v1/tasks", limited(h.HandleCreateTask))
	mux.HandleFunc("GET /v1/tasks", h.HandleListTasks)
	mux.HandleFunc("GET /v1/tasks/{task_id}", h.HandleGetTask)
	mux.Handle("PUT /v1/tasks/{task_id}/status", limited(h.HandleUpdateTaskStatus))

	// Auto-retry enqueue for the transaction-update path.
	mux.Handle("POST /v1/autoretry", limited(h.HandleQueueRetry))

	// Scheduled jobs.
	mux.HandleFunc("GET /v1/jobs", h.HandleListJobs)
	mux.Handle("POST /v1/jobs/{name}/run", limited(h.HandleRunJob))

	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

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
