package locks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// generation is one trip of a Barrier. Its release channel is closed either
// when every party has arrived or when the generation is broken.
type generation struct {
	release chan struct{}
	broken  bool
}

func newGeneration() *generation {
	return &generation{release: make(chan struct{})}
}

// Barrier releases exactly Parties waiters together.
//
// If a waiter gives up (timeout or context cancellation) the barrier breaks:
// that waiter and all current waiters fail with ErrBrokenBarrier, and any
// later Wait fails immediately until Reset is called.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Barrier struct {
	parties        int
	action         func() error
	defaultTimeout time.Duration
	logger         Logger

	mu    sync.Mutex
	count int
	gen   *generation
}

// NewBarrier creates a barrier for parties waiters.
//
// action, if non-nil, is run exactly once by the last arriving waiter before
// anyone is released; an action error breaks the barrier. A non-positive
// timeout selects DefaultTimeout.
func NewBarrier(parties int, action func() error, timeout time.Duration) (*Barrier, error) {
	if parties < 1 {
		return nil, ErrInvalidParties
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Barrier{
		parties:        parties,
		action:         action,
		defaultTimeout: timeout,
		logger:         noopLogger{},
		gen:            newGeneration(),
	}, nil
}

// SetLogger sets the logger for the barrier.
func (b *Barrier) SetLogger(logger Logger) {
	b.logger = logger
}

// Parties returns the number of waiters required to trip the barrier.
func (b *Barrier) Parties() int {
	return b.parties
}

// Waiting returns the number of waiters currently blocked.
func (b *Barrier) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Broken reports whether the current generation is broken.
func (b *Barrier) Broken() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen.broken
}

// Wait blocks until all parties have arrived, the timeout expires, or ctx is
// done. It returns an arrival index in [0, Parties); the last arrival gets 0.
func (b *Barrier) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	b.mu.Lock()
	g := b.gen
	if g.broken {
		b.mu.Unlock()
		return -1, ErrBrokenBarrier
	}

	index := b.parties - 1 - b.count
	b.count++

	if b.count == b.parties {
		defer b.mu.Unlock()
		if b.action != nil {
			if err := runAction(b.action); err != nil {
				b.breakLocked(g)
				b.logger.Warn("barrier action failed", "error", err)
				return -1, fmt.Errorf("%w: action failed: %w", ErrBrokenBarrier, err)
			}
		}
		b.count = 0
		close(g.release)
		b.gen = newGeneration()
		return index, nil
	}
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var cause string
	select {
	case <-g.release:
		return b.released(g, index)
	case <-timer.C:
		cause = fmt.Sprintf("timed out after %v", timeout)
	case <-ctx.Done():
		cause = ctx.Err().Error()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// The barrier may have tripped between the timer firing and taking the lock.
	select {
	case <-g.release:
		if !g.broken {
			return index, nil
		}
	default:
		b.breakLocked(g)
		b.logger.Warn("barrier broken by waiter",
			"parties", b.parties,
			"cause", cause,
		)
	}
	return -1, fmt.Errorf("%w: %s", ErrBrokenBarrier, cause)
}

// released resolves a wake-up from the release channel.
func (b *Barrier) released(g *generation, index int) (int, error) {
	b.mu.Lock()
	broken := g.broken
	b.mu.Unlock()
	if broken {
		return -1, ErrBrokenBarrier
	}
	return index, nil
}

// Reset returns the barrier to its initial state. Any waiters of the current
// generation fail with ErrBrokenBarrier.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count > 0 && !b.gen.broken {
		b.breakLocked(b.gen)
	}
	b.count = 0
	b.gen = newGeneration()
}

// breakLocked marks g broken and wakes its waiters. b.mu must be held.
func (b *Barrier) breakLocked(g *generation) {
	if g.broken {
		return
	}
	g.broken = true
	b.count = 0
	close(g.release)
}

// runAction calls action, converting a panic into an error.
func runAction(action func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return action()
}
