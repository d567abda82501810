package shm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/nerrad567/benchrig/internal/locks"
)

// shutdownGrace bounds GracefulStop before in-flight waits are cut off.
const shutdownGrace = 2 * time.Second

// Logger defines the logging interface used by the shm package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds server settings.
type Config struct {
	// Address to listen on, host:port. Port 0 picks a free port.
	Address string

	// LockTimeout is the default timeout of mutexes created on demand.
	LockTimeout time.Duration

	// BarrierTimeout is the default timeout of barriers created on demand.
	BarrierTimeout time.Duration

	// Registerer receives the server metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	Logger Logger
}

// namespace is the server-side storage of one registered namespace.
type namespace struct {
	id   string
	lock string

	mu     sync.RWMutex
	values map[string][]byte
}

// Server hosts the named shareable objects.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg     Config
	logger  Logger
	metrics *metrics
	id      string
	started time.Time

	// registryMu is private to the server and never exposed as a shareable
	// object; it only guards get-or-create of the maps below.
	registryMu sync.Mutex
	locks      map[string]*locks.Mutex
	barriers   map[string]*locks.Barrier
	namespaces map[string]*namespace

	exceptions cmap.ConcurrentMap[string, Envelope]

	grpcServer   *grpc.Server
	listener     net.Listener
	done         chan struct{}
	startMu      sync.Mutex
	shutdownOnce sync.Once
}

// NewServer creates a server that is not yet listening.
func NewServer(cfg Config) *Server {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = locks.DefaultTimeout
	}
	if cfg.BarrierTimeout <= 0 {
		cfg.BarrierTimeout = locks.DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    newMetrics(cfg.Registerer),
		id:         uuid.NewString(),
		started:    time.Now().UTC(),
		locks:      make(map[string]*locks.Mutex),
		barriers:   make(map[string]*locks.Barrier),
		namespaces: make(map[string]*namespace),
		exceptions: cmap.New[Envelope](),
	}
}

// Start creates a server and begins serving in the background.
//
// The server stops when ctx is cancelled or Shutdown is called.
func Start(ctx context.Context, cfg Config) (*Server, error) {
	s := NewServer(cfg)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.grpcServer != nil {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}

	s.listener = lis
	s.done = make(chan struct{})
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverInterceptor))
	s.grpcServer.RegisterService(&serviceDesc, &handler{s: s})

	go func() {
		defer close(s.done)
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("shared memory server stopped", "error", err)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Shutdown()
		case <-s.done:
		}
	}()

	s.logger.Info("shared memory server started",
		"address", lis.Addr().String(),
		"server_id", s.id,
	)
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.listener == nil {
		return s.cfg.Address
	}
	return s.listener.Addr().String()
}

// ID returns the server identity reported by Ping.
func (s *Server) ID() string {
	return s.id
}

// Done is closed once the server has stopped serving. It is nil before Start.
func (s *Server) Done() <-chan struct{} {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.done
}

// Shutdown stops the server. It is safe to call on a server that was never
// started and safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.startMu.Lock()
		srv, done := s.grpcServer, s.done
		s.startMu.Unlock()
		if srv == nil {
			return
		}

		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			srv.Stop()
		}
		<-done
		s.logger.Info("shared memory server stopped", "server_id", s.id)
	})
	return nil
}

// recoverInterceptor turns a handler panic into an Internal status.
func (s *Server) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in shared memory handler", "method", info.FullMethod, "panic", r)
			err = toStatus(fmt.Errorf("panic: %v", r))
		}
	}()
	return next(ctx, req)
}

// lock returns the named mutex, creating it on first use.
func (s *Server) lock(name string, timeout time.Duration) *locks.Mutex {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()

	if m, ok := s.locks[name]; ok {
		return m
	}
	if timeout <= 0 {
		timeout = s.cfg.LockTimeout
	}
	m := locks.New(name, timeout)
	m.SetLogger(s.logger)
	s.locks[name] = m
	s.metrics.objects.WithLabelValues("lock").Inc()
	s.logger.Debug("lock created", "lock", name, "timeout", timeout)
	return m
}

// barrier returns the named barrier, creating it on first use.
//
// An existing barrier is returned as is; a request naming a different party
// count is logged and otherwise ignored.
func (s *Server) barrier(name string, parties int, timeout time.Duration) (*locks.Barrier, error) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()

	if b, ok := s.barriers[name]; ok {
		if parties > 0 && parties != b.Parties() {
			s.logger.Warn("barrier party count mismatch",
				"barrier", name,
				"existing", b.Parties(),
				"requested", parties,
			)
		}
		return b, nil
	}
	if parties <= 0 {
		return nil, fmt.Errorf("%w: barrier %q does not exist", ErrInvalidRequest, name)
	}
	if timeout <= 0 {
		timeout = s.cfg.BarrierTimeout
	}

	// Actions run client-side, on the waiter released with index 0.
	b, err := locks.NewBarrier(parties, nil, timeout)
	if err != nil {
		return nil, err
	}
	b.SetLogger(s.logger)
	s.barriers[name] = b
	s.metrics.objects.WithLabelValues("barrier").Inc()
	s.logger.Debug("barrier created", "barrier", name, "parties", parties, "timeout", timeout)
	return b, nil
}

// namespace returns the named namespace, creating it and its mutex on first use.
func (s *Server) namespace(name string) *namespace {
	lockName := NamespaceLockName(name)
	// Created before taking registryMu, which lock() also takes.
	s.lock(lockName, 0)

	s.registryMu.Lock()
	defer s.registryMu.Unlock()

	if ns, ok := s.namespaces[name]; ok {
		return ns
	}
	ns := &namespace{
		id:     uuid.NewString(),
		lock:   lockName,
		values: make(map[string][]byte),
	}
	s.namespaces[name] = ns
	s.metrics.objects.WithLabelValues("namespace").Inc()
	s.logger.Debug("namespace created", "namespace", name, "id", ns.id)
	return ns
}

// lookupNamespace returns an existing namespace without creating one.
func (s *Server) lookupNamespace(name string) (*namespace, bool) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	ns, ok := s.namespaces[name]
	return ns, ok
}

// Stats returns a snapshot of the hosted objects.
func (s *Server) Stats() Stats {
	s.registryMu.Lock()
	st := Stats{
		ServerID:   s.id,
		Started:    s.started,
		Locks:      sortedKeys(s.locks),
		Barriers:   sortedKeys(s.barriers),
		Namespaces: sortedKeys(s.namespaces),
	}
	s.registryMu.Unlock()

	for _, key := range s.exceptions.Keys() {
		if pid, err := strconv.Atoi(key); err == nil {
			st.Exceptions = append(st.Exceptions, pid)
		}
	}
	slices.Sort(st.Exceptions)
	return st
}

// Exception returns the failure stored for pid.
func (s *Server) Exception(pid int) (Envelope, bool) {
	return s.exceptions.Get(strconv.Itoa(pid))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// NamespaceLockName is the name under which a namespace's mutex is
// registered in the lock table.
func NamespaceLockName(namespace string) string {
	return "namespace/" + namespace
}
