package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nerrad567/benchrig/internal/shm"
)

// Status represents the current state of a supervised process.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusFailed  Status = "failed"
)

// DefaultGracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
const DefaultGracefulTimeout = 10 * time.Second

// lookupTimeout bounds the side-channel query made by Join.
const lookupTimeout = 5 * time.Second

// ExceptionSource looks up the failure envelope a child stored under its pid.
// *shm.Client satisfies it.
type ExceptionSource interface {
	GetException(ctx context.Context, pid int) (shm.Envelope, bool, error)
}

// Config holds configuration for a supervised process.
type Config struct {
	// Name is a human-readable identifier for logging and errors.
	Name string

	// Binary is the path to the executable. Use Reexec to run the current one.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format),
	// appended to the parent environment.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// GracefulTimeout is the default grace period of Stop.
	GracefulTimeout time.Duration

	// Exceptions is the side channel consulted when the child exits
	// abnormally. If nil, Join reports a generic failure.
	Exceptions ExceptionSource

	// Output, if set, receives the child's stdout and stderr unchanged.
	// Otherwise each line is logged.
	Output io.Writer

	// OnStart is called with the pid once the process has started.
	OnStart func(pid int)

	// OnStop is called when the process exits, with the Join result.
	OnStop func(err error)
}

// Logger defines the logging interface for supervised processes.
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

// Supervised is a child process whose failure is reported to the parent as
// an error carrying the child's own failure description.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Supervised struct {
	config Config
	logger Logger

	mu        sync.RWMutex
	cmd       *exec.Cmd
	status    Status
	startTime time.Time
	exitCode  int
	signal    string
	result    error
	done      chan struct{}
}

// New creates a supervised process with the given configuration.
func New(cfg Config) *Supervised {
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = DefaultGracefulTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}

	return &Supervised{
		config:   cfg,
		logger:   noopLogger{},
		status:   StatusCreated,
		exitCode: -1,
		done:     make(chan struct{}),
	}
}

// SetLogger sets the logger for the process.
func (p *Supervised) SetLogger(logger Logger) {
	p.logger = logger
}

// Name returns the configured name.
func (p *Supervised) Name() string {
	return p.config.Name
}

// Start launches the child. A Supervised runs at most once.
func (p *Supervised) Start(ctx context.Context) error {
	pid, err := p.launch(ctx)
	if err != nil {
		return err
	}

	p.logger.Info("process started",
		"name", p.config.Name,
		"pid", pid,
	)

	if p.config.OnStart != nil {
		p.config.OnStart(pid)
	}
	return nil
}

// launch starts the child and its reaper under p.mu.
func (p *Supervised) launch(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusCreated {
		return 0, fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, p.config.Name, p.status)
	}
	if p.config.Binary == "" {
		return 0, fmt.Errorf("starting %s: %w", p.config.Name, ErrNoBinary)
	}

	p.logger.Info("starting process",
		"name", p.config.Name,
		"binary", p.config.Binary,
		"args", p.config.Args,
	)

	cmd := exec.Command(p.config.Binary, p.config.Args...) //nolint:gosec // binary is the current executable or caller-supplied

	// Create a new process group so we can signal all children on shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), p.config.Env...)
	if p.config.WorkDir != "" {
		cmd.Dir = p.config.WorkDir
	}

	var capture []func()
	if p.config.Output != nil {
		cmd.Stdout = p.config.Output
		cmd.Stderr = p.config.Output
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return 0, fmt.Errorf("creating stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return 0, fmt.Errorf("creating stderr pipe: %w", err)
		}
		capture = append(capture,
			func() { p.captureOutput("stdout", stdout) },
			func() { p.captureOutput("stderr", stderr) },
		)
	}

	if err := cmd.Start(); err != nil {
		p.status = StatusFailed
		p.result = fmt.Errorf("starting %s: %w", p.config.Name, err)
		close(p.done)
		return 0, p.result
	}

	p.cmd = cmd
	p.status = StatusRunning
	p.startTime = time.Now()

	var wg sync.WaitGroup
	for _, fn := range capture {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	go p.wait(ctx, &wg)

	return cmd.Process.Pid, nil
}

// captureOutput logs each line read from r.
func (p *Supervised) captureOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		p.logger.Info("process output",
			"name", p.config.Name,
			"stream", stream,
			"line", scanner.Text(),
		)
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("output stream closed",
			"name", p.config.Name,
			"stream", stream,
			"error", err,
		)
	}
}

// wait reaps the child and resolves the Join result.
func (p *Supervised) wait(ctx context.Context, capture *sync.WaitGroup) {
	// Pipes must be drained before Wait closes them.
	capture.Wait()
	waitErr := p.cmd.Wait()

	code, sig := exitStatus(p.cmd.ProcessState)
	result := p.resolve(ctx, waitErr, code, sig)

	p.mu.Lock()
	p.exitCode = code
	p.signal = sig
	p.result = result
	if result != nil {
		p.status = StatusFailed
	} else {
		p.status = StatusExited
	}
	p.mu.Unlock()

	if result != nil {
		p.logger.Warn("process failed",
			"name", p.config.Name,
			"exit_code", code,
			"signal", sig,
			"error", result,
		)
	} else {
		p.logger.Info("process exited", "name", p.config.Name)
	}

	if p.config.OnStop != nil {
		p.config.OnStop(result)
	}
	close(p.done)
}

// resolve builds the Join result for an exited child.
func (p *Supervised) resolve(ctx context.Context, waitErr error, code int, sig string) error {
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return fmt.Errorf("waiting for %s: %w", p.config.Name, waitErr)
	}
	if code == 0 {
		return nil
	}

	childErr := &ChildError{
		Name:     p.config.Name,
		PID:      p.cmd.Process.Pid,
		ExitCode: code,
		Signal:   sig,
	}

	if p.config.Exceptions == nil {
		return childErr
	}

	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()

	env, found, err := p.config.Exceptions.GetException(lookupCtx, childErr.PID)
	switch {
	case err != nil:
		p.logger.Warn("failure envelope unavailable",
			"name", p.config.Name,
			"pid", childErr.PID,
			"error", err,
		)
		childErr.LookupErr = err
	case found:
		childErr.Envelope = &env
	}
	return childErr
}

// exitStatus extracts the exit code and, for signalled children, the signal.
func exitStatus(state *os.ProcessState) (int, string) {
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, unix.SignalName(ws.Signal())
	}
	return state.ExitCode(), ""
}

// Join blocks until the child exits or ctx is done.
//
// A zero exit returns nil. Any other exit returns a *ChildError, carrying the
// child's failure envelope when one was stored.
func (p *Supervised) Join(ctx context.Context) error {
	p.mu.RLock()
	status := p.status
	p.mu.RUnlock()
	if status == StatusCreated {
		return fmt.Errorf("joining %s: %w", p.config.Name, ErrNotStarted)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.result
}

// Done is closed once the child has exited and Join's result is known.
func (p *Supervised) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the child is running.
func (p *Supervised) Alive() bool {
	return p.Status() == StatusRunning
}

// Status returns the current status of the process.
func (p *Supervised) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// PID returns the process ID, or 0 if never started.
func (p *Supervised) PID() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// ExitCode returns the exit code, or -1 while running or when the child
// was terminated by a signal.
func (p *Supervised) ExitCode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode
}

// Terminate asks the child's process group to stop (SIGTERM). The child may
// unwind through its own teardown.
func (p *Supervised) Terminate() error {
	return p.signalGroup(unix.SIGTERM)
}

// Kill stops the child's process group immediately (SIGKILL).
func (p *Supervised) Kill() error {
	return p.signalGroup(unix.SIGKILL)
}

func (p *Supervised) signalGroup(sig syscall.Signal) error {
	pid := p.PID()
	if pid == 0 || !p.Alive() {
		return nil
	}
	// Negative pid addresses the process group created via Setpgid.
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sending %s to %s: %w", unix.SignalName(sig), p.config.Name, err)
	}
	return nil
}

// Stop terminates the child softly and kills it if it has not exited after
// grace. A non-positive grace selects the configured GracefulTimeout.
// Stop returns once the child has exited; it does not return the Join result.
func (p *Supervised) Stop(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	if grace <= 0 {
		grace = p.config.GracefulTimeout
	}

	p.logger.Info("stopping process", "name", p.config.Name, "pid", p.PID())

	if err := p.Terminate(); err != nil {
		p.logger.Warn("failed to send SIGTERM to process group", "name", p.config.Name, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		p.logger.Info("process stopped gracefully", "name", p.config.Name)
		return nil
	case <-timer.C:
		p.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", p.config.Name,
			"timeout", grace,
		)
	}

	if err := p.Kill(); err != nil {
		return err
	}
	<-p.done
	p.logger.Info("process killed", "name", p.config.Name)
	return nil
}

// Stats returns statistics about the supervised process.
type Stats struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	PID      int           `json:"pid,omitempty"`
	Uptime   time.Duration `json:"uptime,omitempty"`
	ExitCode int           `json:"exit_code"`
	Signal   string        `json:"signal,omitempty"`
}

// Stats returns current statistics for the process.
func (p *Supervised) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		Name:     p.config.Name,
		Status:   p.status,
		ExitCode: p.exitCode,
		Signal:   p.signal,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		stats.PID = p.cmd.Process.Pid
	}
	if p.status == StatusRunning {
		stats.Uptime = time.Since(p.startTime)
	}
	return stats
}
