package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultTimeout bounds acquisitions when neither the call nor the mutex
// supplies a timeout.
const DefaultTimeout = 10 * time.Second

// Logger defines the logging interface used by the locks package.
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

// Locker is an owner-bound, timeout-bounded lock.
//
// It is satisfied by *Guard (in-process) and by the remote mutex handles of
// the shm package, so callers can hold either through the same scoped helper.
type Locker interface {
	// Acquire blocks up to timeout (zero selects the lock's default) and
	// returns an error matching ErrTimeout if the lock was not obtained.
	Acquire(ctx context.Context, timeout time.Duration) error

	// TryAcquire is Acquire that reports failure as false instead of an error.
	TryAcquire(ctx context.Context, timeout time.Duration) bool

	// Release gives up one level of ownership.
	Release(ctx context.Context) error
}

// Mutex is a re-entrant mutual-exclusion lock with bounded waits.
//
// The same owner may acquire it repeatedly and must release it the same
// number of times; only the outermost release frees it for other owners.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Mutex struct {
	name           string
	defaultTimeout time.Duration
	sem            *semaphore.Weighted
	logger         Logger

	mu    sync.Mutex
	owner string
	depth int
}

// New creates a mutex. A non-positive timeout selects DefaultTimeout.
func New(name string, timeout time.Duration) *Mutex {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Mutex{
		name:           name,
		defaultTimeout: timeout,
		sem:            semaphore.NewWeighted(1),
		logger:         noopLogger{},
	}
}

// SetLogger sets the logger for the mutex.
func (m *Mutex) SetLogger(logger Logger) {
	m.logger = logger
}

// Name returns the name the mutex was created with.
func (m *Mutex) Name() string {
	return m.name
}

// DefaultTimeout returns the timeout applied when a call passes zero.
func (m *Mutex) DefaultTimeout() time.Duration {
	return m.defaultTimeout
}

// Acquire obtains the mutex for owner, waiting at most timeout.
//
// A re-acquisition by the current owner succeeds immediately and increments
// the hold depth. When the wait expires the returned error matches
// ErrTimeout; cancellation of ctx for any other reason is returned as is.
func (m *Mutex) Acquire(ctx context.Context, owner string, timeout time.Duration) error {
	if owner == "" {
		return ErrNoOwner
	}

	m.mu.Lock()
	if m.depth > 0 && m.owner == owner {
		m.depth++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.sem.Acquire(waitCtx, 1); err != nil {
		m.logger.Warn("lock acquisition failed",
			"lock", m.name,
			"owner", owner,
			"timeout", timeout,
			"error", err,
		)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %q after %v", ErrTimeout, m.name, timeout)
		}
		return fmt.Errorf("acquiring %q: %w", m.name, err)
	}

	m.mu.Lock()
	m.owner = owner
	m.depth = 1
	m.mu.Unlock()

	m.logger.Debug("lock acquired", "lock", m.name, "owner", owner)
	return nil
}

// TryAcquire is Acquire with failures reported as false.
func (m *Mutex) TryAcquire(ctx context.Context, owner string, timeout time.Duration) bool {
	return m.Acquire(ctx, owner, timeout) == nil
}

// Release gives up one level of ownership held by owner.
func (m *Mutex) Release(owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.depth == 0 || m.owner != owner {
		return fmt.Errorf("%w: %q by %q", ErrNotOwner, m.name, owner)
	}

	m.depth--
	if m.depth == 0 {
		m.owner = ""
		m.sem.Release(1)
		m.logger.Debug("lock released", "lock", m.name, "owner", owner)
	}
	return nil
}

// Holder returns the current owner and hold depth. An unlocked mutex
// returns an empty owner and zero depth.
func (m *Mutex) Holder() (owner string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner, m.depth
}

// Locked reports whether any owner currently holds the mutex.
func (m *Mutex) Locked() bool {
	_, depth := m.Holder()
	return depth > 0
}

// Handle returns a Guard that acquires and releases on behalf of owner.
func (m *Mutex) Handle(owner string) *Guard {
	return &Guard{m: m, owner: owner}
}

// Guard is a Mutex bound to a single owner. It implements Locker.
type Guard struct {
	m     *Mutex
	owner string
}

// Owner returns the owner token of the guard.
func (g *Guard) Owner() string {
	return g.owner
}

// Acquire implements Locker.
func (g *Guard) Acquire(ctx context.Context, timeout time.Duration) error {
	return g.m.Acquire(ctx, g.owner, timeout)
}

// TryAcquire implements Locker.
func (g *Guard) TryAcquire(ctx context.Context, timeout time.Duration) bool {
	return g.m.TryAcquire(ctx, g.owner, timeout)
}

// Release implements Locker.
func (g *Guard) Release(_ context.Context) error {
	return g.m.Release(g.owner)
}

// Do runs fn while holding l: acquire on enter, release on exit.
//
// The release happens even when fn returns an error or panics. A release
// failure is returned only if fn itself succeeded.
func Do(ctx context.Context, l Locker, timeout time.Duration, fn func() error) (err error) {
	if err := l.Acquire(ctx, timeout); err != nil {
		return err
	}
	defer func() {
		// The release must go through even if ctx was cancelled inside fn.
		if releaseErr := l.Release(context.WithoutCancel(ctx)); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn()
}
