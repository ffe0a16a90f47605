package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/isdmx/playground/encoder"
	"github.com/isdmx/playground/metrics"
	"github.com/isdmx/playground/sandbox"
	"github.com/isdmx/playground/scheduler"
	"github.com/isdmx/playground/snippet"
)

const (
	defaultMaxBodyBytes = 256 * 1024
	readHeaderTimeout   = 10 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// Scheduler admits execution requests
type Scheduler interface {
	Submit(ctx context.Context, req sandbox.ExecutionRequest) (*scheduler.Handle, error)
	Stats() scheduler.Stats
}

// Server is the HTTP server of the playground API.
type Server struct {
	logger    *zap.Logger
	scheduler Scheduler
	encoder   *encoder.Encoder
	store     snippet.Store
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	limiter   *clientLimiter
	mcp       http.Handler
	maxBody   int64
	router    chi.Router
	http      *http.Server
}

// Option defines a functional option for Server
type Option func(*Server)

// WithMetrics exposes gatherer on /metrics and counts rejections in m
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithRateLimit limits each client to rps run requests per second with the given
// burst. A non-positive rps disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newClientLimiter(rps, burst)
		}
	}
}

// WithMaxBodyBytes caps request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBody = n
	}
}

// WithMCPHandler serves the MCP streamable HTTP transport on /mcp
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) {
		s.mcp = h
	}
}

// New creates a new Server.
func New(logger *zap.Logger, sched Scheduler, enc *encoder.Encoder, store snippet.Store, opts ...Option) *Server {
	s := &Server{
		logger:    logger,
		scheduler: sched,
		encoder:   enc,
		store:     store,
		maxBody:   defaultMaxBodyBytes,
		router:    chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)
		r.Use(s.limitBody)

		r.With(s.rateLimit).Post("/run", s.handleRun)

		r.Get("/snippets", s.handleListSnippets)
		r.Post("/snippets", s.handleCreateSnippet)
		r.Get("/snippets/{id}", s.handleGetSnippet)
		r.Delete("/snippets/{id}", s.handleDeleteSnippet)
	})

	r.Get("/healthz", s.handleHealth)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.mcp != nil {
		r.Handle("/mcp", s.mcp)
	}
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on port and serves in the background. Listen errors are
// returned; errors after that are logged.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.logger.Info("HTTP server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
