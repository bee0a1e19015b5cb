package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/pipeline"
)

// Executor runs a single execution request.
type Executor interface {
	Execute(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// HealthChecker reports whether the container engine is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Config holds the HTTP server settings.
type Config struct {
	Port         int
	MaxBodyBytes int64
	Development  bool // expose infrastructure error details to clients
	// WriteTimeout bounds a whole request. It must exceed the longest
	// execution, image builds included.
	WriteTimeout time.Duration
}

// Server serves the execution API.
type Server struct {
	logger   *zap.Logger
	cfg      Config
	executor Executor
	health   HealthChecker
	metrics  http.Handler
	router   chi.Router
	srv      *http.Server
}

// New creates a Server. metrics may be nil, in which case /metrics is not
// routed.
func New(logger *zap.Logger, cfg Config, executor Executor, health HealthChecker, metrics http.Handler) *Server {
	s := &Server{
		logger:   logger.Named("http"),
		cfg:      cfg,
		executor: executor,
		health:   health,
		metrics:  metrics,
	}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))

	r.MethodNotAllowed(s.handleMethodNotAllowed)
	r.NotFound(s.handleNotFound)

	r.Post("/code/run", s.handleRun)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background. A bind
// failure is returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}

	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}
