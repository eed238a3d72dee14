package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/danshapiro/hwbuild/internal/metrics"
	"github.com/danshapiro/hwbuild/internal/pipeline/checkpoint"
	"github.com/danshapiro/hwbuild/internal/pipeline/engine"
	"github.com/danshapiro/hwbuild/internal/pipeline/stages"
)

// Options holds server configuration.
type Options struct {
	Addr string // listen address, e.g. ":8000"
	// MaxConcurrent caps builds across /build, /build/stream, /build/ws and
	// /a2a/build. Zero means 2.
	MaxConcurrent int

	// Orchestrator is the template every build copies; each copy gets its
	// own progress sink.
	Orchestrator *engine.Orchestrator
	// Catalog backs /search and /stats. Optional.
	Catalog stages.Catalog
	// DBPath is reported by /health.
	DBPath  string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the HTTP surface over the build pipeline.
type Server struct {
	opts     Options
	registry *BuildRegistry
	builds   *semaphore.Weighted
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *slog.Logger
	client   *http.Client
}

func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil || opts.Orchestrator.Dispatcher == nil {
		return nil, errors.New("server needs an orchestrator with a dispatcher")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		registry: NewBuildRegistry(),
		builds:   semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /build", limitBuilds(s.builds, s.handleBuild))
	mux.HandleFunc("POST /build/stream", limitBuilds(s.builds, s.handleBuildStream))
	mux.HandleFunc("GET /build/ws", limitBuilds(s.builds, s.handleBuildWS))
	mux.HandleFunc("GET /a2a/discover", s.handleDiscover)
	mux.HandleFunc("POST /a2a/build", limitBuilds(s.builds, s.handleA2ABuild))
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	s.httpSrv = &http.Server{
		Addr:         opts.Addr,
		Handler:      traceRequests(allowCORS(mux), logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// Handler exposes the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe serves until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info("server.shutdown", "reason", context.Cause(ctx))
		s.Shutdown()
	}()

	s.logger.Info("server.listen", "addr", s.opts.Addr, "max_concurrent", s.opts.MaxConcurrent)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and all running builds. Cancelled
// builds keep their checkpoints and can be resumed.
func (s *Server) Shutdown() {
	s.registry.CancelAll("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}

// store is the checkpoint store of the template orchestrator, if any.
func (s *Server) store() checkpoint.Store {
	return s.opts.Orchestrator.Store
}
