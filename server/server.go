// Package server exposes rendering and pipeline runs over HTTP.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
	"github.com/teranos/loom/metrics"
	"github.com/teranos/loom/pipeline"
	"github.com/teranos/loom/prompt"
	"github.com/teranos/loom/retriever"
)

// ShutdownTimeout bounds how long Start waits for in-flight requests once ctx ends
const ShutdownTimeout = 10 * time.Second

// Options configures a Server. Backend is required.
type Options struct {
	Addr           string
	Backend        ai.Backend
	Library        *prompt.Library
	Pipelines      map[string]*pipeline.Definition
	Retriever      *retriever.Retriever
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer // served on /metrics; nil = prometheus.DefaultGatherer
	RequestTimeout time.Duration       // per pipeline run; 0 = none
	MapConcurrency int
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Server is the loom HTTP server
type Server struct {
	opts   Options
	router chi.Router
	logger *zap.SugaredLogger
	state  atomic.Int32

	mu        sync.RWMutex
	pipelines map[string]*pipeline.Definition
}

// New creates a server and its routes
func New(opts Options) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.NewInvalidRequestError("server needs a completion backend")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		opts:      opts,
		logger:    logger.OrNop(opts.Logger).With(logger.FieldComponent, "server"),
		pipelines: opts.Pipelines,
	}
	if s.pipelines == nil {
		s.pipelines = make(map[string]*pipeline.Definition)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetPipelines replaces the served pipeline definitions
func (s *Server) SetPipelines(defs map[string]*pipeline.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines = defs
}

func (s *Server) pipeline(name string) (*pipeline.Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.pipelines[name]
	return def, ok
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("Server state changed", logger.FieldState, state.String())
}

// Start serves on opts.Addr until ctx ends, then drains in-flight requests
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.opts.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.setState(ServerStateRunning)
	s.logger.Infow("Listening", logger.FieldAddress, ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.setState(ServerStateStopped)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "server stopped")
	case <-ctx.Done():
	}

	s.setState(ServerStateDraining)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.setState(ServerStateStopped)
	if err != nil {
		return errors.Wrap(err, "graceful shutdown failed")
	}
	return nil
}
