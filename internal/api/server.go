package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/benchrig/internal/experiment"
	"github.com/nerrad567/benchrig/internal/infrastructure/logging"
	"github.com/nerrad567/benchrig/internal/runlog"
	"github.com/nerrad567/benchrig/internal/shm"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	readHeaderTimeout       = 5 * time.Second
)

// SharedState is what the API reads from the shared memory server.
// *shm.Server satisfies it.
type SharedState interface {
	Stats() shm.Stats
	Exception(pid int) (shm.Envelope, bool)
}

// RunHistory is what the API reads from the run history.
// *runlog.Store satisfies it.
type RunHistory interface {
	List(ctx context.Context, limit int) ([]experiment.Run, error)
	Get(ctx context.Context, id string) (experiment.Run, error)
	Checks(ctx context.Context, runID string) ([]runlog.Check, error)
}

// Deps holds what the API server needs.
type Deps struct {
	// Listen is the host:port to bind. Port 0 picks a free port.
	Listen string

	Logger *logging.Logger
	Shared SharedState

	// Runs is optional; without it the run endpoints answer 503.
	Runs RunHistory

	// Gatherer is optional; without it /metrics is not served.
	Gatherer prometheus.Gatherer

	Version string
}

// Server is the HTTP status API.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	deps    Deps
	logger  *logging.Logger
	started time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New validates deps and creates a server that is not yet listening.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Shared == nil {
		return nil, fmt.Errorf("shared state is required")
	}
	return &Server{deps: deps, logger: deps.Logger, started: time.Now()}, nil
}

// Start binds the listener and serves in the background until ctx is
// cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	ln, err := net.Listen("tcp", s.deps.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.deps.Listen, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Close() //nolint:errcheck // logged by Close
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting requests and waits for in-flight ones.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown", "error", err)
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
