package process

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nerrad567/benchrig/internal/shm"
)

// EnvChild is the environment variable marking a re-executed child.
// Its value is the child's process name.
const EnvChild = "BENCHRIG_CHILD"

// Child exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// reportTimeout bounds storing the failure envelope.
const reportTimeout = 5 * time.Second

// Reporter stores a child's failure envelope. *shm.Client satisfies it.
type Reporter interface {
	SetException(ctx context.Context, pid int, env shm.Envelope) error
}

// IsChild reports whether this process was started through Reexec.
func IsChild() bool {
	return os.Getenv(EnvChild) != ""
}

// ChildName returns the process name handed down by Reexec.
func ChildName() string {
	return os.Getenv(EnvChild)
}

// Reexec returns a Config that runs the current executable again as a
// child named name. extraEnv is appended after the child marker.
func Reexec(name string, args []string, extraEnv ...string) (Config, error) {
	self, err := os.Executable()
	if err != nil {
		return Config{}, fmt.Errorf("resolving current executable: %w", err)
	}
	self, err = filepath.EvalSymlinks(self)
	if err != nil {
		return Config{}, fmt.Errorf("resolving current executable: %w", err)
	}

	env := append([]string{EnvChild + "=" + name}, extraEnv...)
	return Config{
		Name:   name,
		Binary: self,
		Args:   args,
		Env:    env,
	}, nil
}

// RunChild runs fn as the body of a child process and returns its exit code.
//
// SIGTERM and SIGINT cancel the context passed to fn, so the body can unwind
// through its own teardown. A returned error or a panic is stored through
// reporter under this process's pid and ExitFailure is returned; the caller
// passes the code to os.Exit. reporter may be nil, in which case the parent
// sees only the exit code.
func RunChild(ctx context.Context, reporter Reporter, fn func(ctx context.Context) error) int {
	ctx, stop := signal.NotifyContext(ctx, unix.SIGTERM, os.Interrupt)
	defer stop()

	err := callChild(ctx, fn)
	if err == nil {
		return ExitOK
	}

	env := newEnvelope(err)
	fmt.Fprintf(os.Stderr, "%s: %s\n", env.Process, env.Message)

	if reporter != nil {
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()
		if rerr := reporter.SetException(reportCtx, env.PID, env); rerr != nil {
			fmt.Fprintf(os.Stderr, "%s: reporting failure: %v\n", env.Process, rerr)
		}
	}
	return ExitFailure
}

// panicError carries a recovered panic out of the child body.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// callChild runs fn, converting a panic into a *panicError.
func callChild(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// newEnvelope describes err for the parent.
func newEnvelope(err error) shm.Envelope {
	env := shm.Envelope{
		Kind:    errorKind(err),
		Message: err.Error(),
		PID:     os.Getpid(),
		Process: ChildName(),
		Time:    time.Now().UTC(),
	}
	if env.Process == "" {
		env.Process = filepath.Base(os.Args[0])
	}
	if p, ok := err.(*panicError); ok {
		env.Trace = string(p.stack)
	}
	return env
}

// errorKind names the dynamic type of err, with the anonymous types of the
// errors and fmt packages collapsed to "error".
func errorKind(err error) string {
	if _, ok := err.(*panicError); ok {
		return "panic"
	}
	kind := fmt.Sprintf("%T", err)
	if strings.HasPrefix(kind, "*errors.") || strings.HasPrefix(kind, "*fmt.") {
		return "error"
	}
	return kind
}
