package shm

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nerrad567/benchrig/internal/locks"
)

const (
	// DefaultConnectTimeout bounds Connect when ctx carries no deadline.
	DefaultConnectTimeout = 5 * time.Second

	// rpcSlack is added to a blocking call's own timeout so the server, not
	// the transport deadline, decides the outcome.
	rpcSlack = 2 * time.Second
)

// Client is a connection to a Server.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Handles returned by GetLock and GetBarrier carry their own identity and
//     are not meant to be shared between goroutines.
type Client struct {
	conn     *grpc.ClientConn
	addr     string
	id       string
	serverID string
	logger   Logger

	lockTimeout atomic.Int64
	seq         atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// Connect attaches to a running server at addr.
//
// It issues a single Ping without waiting for the transport to become ready,
// so a dead address fails at once with ErrConnectionRefused. There is no
// retry loop.
func Connect(ctx context.Context, addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", addr, err)
	}

	c := &Client{
		conn:   conn,
		addr:   addr,
		id:     uuid.NewString(),
		logger: noopLogger{},
	}
	c.lockTimeout.Store(int64(locks.DefaultTimeout))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	var resp pingResponse
	if err := c.invoke(ctx, "Ping", &pingRequest{}, &resp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	c.serverID = resp.ServerID
	return c, nil
}

// SetLogger sets the logger for the client and handles created afterwards.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SetDefaultLockTimeout sets the timeout used by lock handles created
// without one. Non-positive values are ignored.
func (c *Client) SetDefaultLockTimeout(d time.Duration) {
	if d > 0 {
		c.lockTimeout.Store(int64(d))
	}
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

// ID returns the client identity used to derive owner tokens.
func (c *Client) ID() string {
	return c.id
}

// ServerID returns the identity of the server answered at connect time.
func (c *Client) ServerID() string {
	return c.serverID
}

// Close releases the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Ping checks that the server still answers.
func (c *Client) Ping(ctx context.Context) error {
	var resp pingResponse
	return c.invoke(ctx, "Ping", &pingRequest{}, &resp)
}

// Stats returns the server's object inventory.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := c.invoke(ctx, "Stats", &statsRequest{}, &st); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// SetException stores env on the server under pid.
func (c *Client) SetException(ctx context.Context, pid int, env Envelope) error {
	if env.PID == 0 {
		env.PID = pid
	}
	var resp exceptionResponse
	return c.invoke(ctx, "SetException", &exceptionRequest{PID: pid, Envelope: &env}, &resp)
}

// GetException returns the envelope stored under pid, if any.
func (c *Client) GetException(ctx context.Context, pid int) (Envelope, bool, error) {
	var resp exceptionResponse
	if err := c.invoke(ctx, "GetException", &exceptionRequest{PID: pid}, &resp); err != nil {
		return Envelope{}, false, err
	}
	if !resp.Found || resp.Envelope == nil {
		return Envelope{}, false, nil
	}
	return *resp.Envelope, true, nil
}

// GetLock returns a handle on the named server mutex, creating the mutex on
// first use. timeout is the handle's default wait; zero selects the client
// default.
func (c *Client) GetLock(ctx context.Context, name string, timeout time.Duration) (*RemoteMutex, error) {
	if timeout <= 0 {
		timeout = c.defaultLockTimeout()
	}
	var resp lockResponse
	if err := c.invoke(ctx, "OpenLock", &lockRequest{Name: name, Timeout: timeout}, &resp); err != nil {
		return nil, fmt.Errorf("opening lock %q: %w", name, err)
	}
	return &RemoteMutex{
		c:       c,
		name:    name,
		owner:   c.nextOwner(),
		timeout: timeout,
	}, nil
}

// GetBarrier returns a handle on the named server barrier, creating it for
// parties waiters on first use. action, if non-nil, runs in the process whose
// wait is released with index 0.
func (c *Client) GetBarrier(ctx context.Context, name string, parties int, action func() error, timeout time.Duration) (*RemoteBarrier, error) {
	if parties < 1 {
		return nil, locks.ErrInvalidParties
	}
	var resp barrierResponse
	req := &barrierRequest{Name: name, Parties: parties, Timeout: timeout}
	if err := c.invoke(ctx, "OpenBarrier", req, &resp); err != nil {
		return nil, fmt.Errorf("opening barrier %q: %w", name, err)
	}
	return &RemoteBarrier{
		c:       c,
		name:    name,
		parties: resp.Parties,
		action:  action,
		timeout: timeout,
	}, nil
}

func (c *Client) defaultLockTimeout() time.Duration {
	return time.Duration(c.lockTimeout.Load())
}

// nextOwner returns a fresh owner token for a lock handle.
func (c *Client) nextOwner() string {
	return c.id + "/" + strconv.FormatUint(c.seq.Add(1), 10)
}

// invoke performs one unary call and maps transport errors.
func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := c.conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return fromStatus(err)
	}
	return nil
}

// RemoteMutex is a handle on a server-hosted mutex. It implements
// locks.Locker and is re-entrant for its own owner token.
type RemoteMutex struct {
	c       *Client
	name    string
	owner   string
	timeout time.Duration
}

var _ locks.Locker = (*RemoteMutex)(nil)

// Name returns the lock name.
func (m *RemoteMutex) Name() string { return m.name }

// Owner returns the owner token this handle acquires with.
func (m *RemoteMutex) Owner() string { return m.owner }

// Acquire implements locks.Locker. A zero timeout uses the handle default.
func (m *RemoteMutex) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.timeout
	}

	rpcCtx, cancel := context.WithTimeout(ctx, timeout+rpcSlack)
	defer cancel()

	var resp lockResponse
	req := &lockRequest{Name: m.name, Owner: m.owner, Timeout: timeout}
	if err := m.c.invoke(rpcCtx, "AcquireLock", req, &resp); err != nil {
		m.c.logger.Warn("remote lock acquisition failed", "lock", m.name, "owner", m.owner, "error", err)
		return fmt.Errorf("acquiring %q: %w", m.name, err)
	}
	if !resp.Acquired {
		m.c.logger.Warn("remote lock acquisition timed out",
			"lock", m.name,
			"owner", m.owner,
			"holder", resp.Info.Owner,
			"timeout", timeout,
		)
		return fmt.Errorf("%w: %q after %v", locks.ErrTimeout, m.name, timeout)
	}
	return nil
}

// TryAcquire implements locks.Locker.
func (m *RemoteMutex) TryAcquire(ctx context.Context, timeout time.Duration) bool {
	return m.Acquire(ctx, timeout) == nil
}

// Release implements locks.Locker.
func (m *RemoteMutex) Release(ctx context.Context) error {
	var resp lockResponse
	if err := m.c.invoke(ctx, "ReleaseLock", &lockRequest{Name: m.name, Owner: m.owner}, &resp); err != nil {
		return fmt.Errorf("releasing %q: %w", m.name, err)
	}
	return nil
}

// RemoteBarrier is a handle on a server-hosted barrier.
type RemoteBarrier struct {
	c       *Client
	name    string
	parties int
	action  func() error
	timeout time.Duration
}

// Name returns the barrier name.
func (b *RemoteBarrier) Name() string { return b.name }

// Parties returns the party count of the server barrier.
func (b *RemoteBarrier) Parties() int { return b.parties }

// Wait blocks until every party has arrived. A zero timeout uses the
// handle's timeout, then the server default.
//
// The waiter released with index 0 runs the handle's action; an action error
// is returned to that waiter only, the others are already released.
func (b *RemoteBarrier) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = b.timeout
	}

	rpcCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		rpcCtx, cancel = context.WithTimeout(ctx, timeout+rpcSlack)
		defer cancel()
	}

	var resp barrierResponse
	req := &barrierRequest{Name: b.name, Timeout: timeout}
	if err := b.c.invoke(rpcCtx, "BarrierWait", req, &resp); err != nil {
		b.c.logger.Warn("barrier wait failed", "barrier", b.name, "error", err)
		return -1, fmt.Errorf("waiting on %q: %w", b.name, err)
	}

	if resp.Index == 0 && b.action != nil {
		if err := runAction(b.action); err != nil {
			return resp.Index, fmt.Errorf("barrier %q action: %w", b.name, err)
		}
	}
	return resp.Index, nil
}

// Reset returns the server barrier to its initial state, failing any
// current waiters.
func (b *RemoteBarrier) Reset(ctx context.Context) error {
	var resp barrierResponse
	return b.c.invoke(ctx, "BarrierReset", &barrierRequest{Name: b.name}, &resp)
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
