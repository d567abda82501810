package process

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/benchrig/internal/shm"
)

// Domain errors for the process package.
var (
	// ErrChildFailed matches every *ChildError.
	ErrChildFailed = errors.New("process: child failed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("process: already started")

	// ErrNotStarted is returned when Join is called before Start.
	ErrNotStarted = errors.New("process: not started")

	// ErrNoBinary is returned when no executable is configured.
	ErrNoBinary = errors.New("process: no binary configured")
)

// ChildError reports an abnormal child exit.
//
// Envelope is the failure the child stored on the side channel before
// exiting. It is nil when the child died without reporting (killed, crashed
// in the runtime, or no side channel configured); the error then names only
// the process and exit status.
type ChildError struct {
	Name     string
	PID      int
	ExitCode int
	Signal   string
	Envelope *shm.Envelope

	// LookupErr is set when the side channel could not be queried.
	LookupErr error
}

func (e *ChildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "process %s (pid %d) ", e.Name, e.PID)

	if e.Envelope != nil {
		fmt.Fprintf(&b, "failed: %s", e.Envelope.Message)
		if e.Envelope.Kind != "" {
			fmt.Fprintf(&b, " [%s]", e.Envelope.Kind)
		}
		return b.String()
	}

	if e.Signal != "" {
		fmt.Fprintf(&b, "terminated by %s", e.Signal)
	} else {
		fmt.Fprintf(&b, "exited with code %d", e.ExitCode)
	}
	return b.String()
}

// Is reports whether target is ErrChildFailed.
func (e *ChildError) Is(target error) bool {
	return target == ErrChildFailed
}

// Unwrap returns the side-channel lookup error, if any.
func (e *ChildError) Unwrap() error {
	return e.LookupErr
}

// Trace returns the child's stack trace, if it reported one.
func (e *ChildError) Trace() string {
	if e.Envelope == nil {
		return ""
	}
	return e.Envelope.Trace
}
