// Package server hosts the read-only status server: health probes, batch
// inspection, the run lock and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/batchkeeper/internal/errors"
	"github.com/3leaps/batchkeeper/internal/server/handlers"
	"github.com/3leaps/batchkeeper/internal/server/middleware"
)

// Server is the status HTTP server.
type Server struct {
	host    string
	port    int
	router  chi.Router
	logger  *zap.Logger
	version handlers.VersionResponse
	batches handlers.BatchReader
	lock    handlers.LockInspector
	metrics http.Handler

	timeouts Timeouts
}

// Timeouts bounds the HTTP server; zero fields keep the defaults.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

var defaultTimeouts = Timeouts{
	Read:     30 * time.Second,
	Write:    30 * time.Second,
	Idle:     120 * time.Second,
	Shutdown: 10 * time.Second,
}

// Option configures a Server.
type Option func(*Server)

// WithBatches enables the /batches endpoints.
func WithBatches(store handlers.BatchReader) Option {
	return func(s *Server) { s.batches = store }
}

// WithLock enables GET /lock.
func WithLock(lock handlers.LockInspector) Option {
	return func(s *Server) { s.lock = lock }
}

// WithMetrics mounts a Prometheus handler at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithTimeouts(t Timeouts) Option {
	return func(s *Server) {
		if t.Read > 0 {
			s.timeouts.Read = t.Read
		}
		if t.Write > 0 {
			s.timeouts.Write = t.Write
		}
		if t.Idle > 0 {
			s.timeouts.Idle = t.Idle
		}
		if t.Shutdown > 0 {
			s.timeouts.Shutdown = t.Shutdown
		}
	}
}

func WithVersion(version, commit, buildDate string) Option {
	return func(s *Server) {
		s.version = handlers.VersionResponse{Version: version, Commit: commit, BuildDate: buildDate}
	}
}

// New builds the router. Health endpoints use the process-wide health manager.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		logger:   zap.NewNop(),
		version:  handlers.VersionResponse{Version: "dev"},
		timeouts: defaultTimeouts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logger(s.logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteEnvelope(w, http.StatusNotFound, apperrors.NewEnvelope(apperrors.CodeNotFound,
			fmt.Sprintf("no route for %s", req.URL.Path), middleware.GetRequestID(req.Context())))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteEnvelope(w, http.StatusMethodNotAllowed, apperrors.NewEnvelope(apperrors.CodeMethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", req.Method, req.URL.Path), middleware.GetRequestID(req.Context())))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.batches != nil {
		h := handlers.NewBatchHandlers(s.batches)
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.List)
			r.Get("/summary", h.Summary)
			r.Get("/{id}", h.Get)
		})
	}
	if s.lock != nil {
		r.Get("/lock", handlers.LockHandler(s.lock))
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	s.router = r
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Port() int { return s.port }

func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}
