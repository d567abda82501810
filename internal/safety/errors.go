package safety

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSafety matches every *SafetyError:
//
//	if errors.Is(err, safety.ErrSafety) {
//	    // an interlock stopped the experiment
//	}
var ErrSafety = errors.New("safety: interlock tripped")

// Phase identifies where a SafetyError was raised.
type Phase string

const (
	// PhasePreStart is the synchronous check before any worker is started.
	PhasePreStart Phase = "pre-start"

	// PhaseEscalation is a test failing on two consecutive mid-run checks.
	PhaseEscalation Phase = "escalation"

	// PhaseMonitor is an unexpected failure of the monitor loop itself.
	PhaseMonitor Phase = "monitor"
)

// SafetyError reports why an experiment was blocked or stopped.
type SafetyError struct {
	Phase Phase

	// Failing names the tests that caused the error, in check order.
	Failing []string

	// Messages holds the failure message of each test in Failing.
	Messages []string

	// Warnings names every test whose warning flag was set when the error
	// was raised, including tests that were not fatal.
	Warnings []string

	// Err is the underlying cause for PhaseMonitor errors.
	Err error
}

func (e *SafetyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "safety %s", e.Phase)

	for i, name := range e.Failing {
		sep := ", "
		if i == 0 {
			sep = ": "
		}
		b.WriteString(sep)
		b.WriteString(name)
		if i < len(e.Messages) && e.Messages[i] != "" {
			fmt.Fprintf(&b, " (%s)", e.Messages[i])
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Warnings) > 0 {
		fmt.Fprintf(&b, " [warnings: %s]", strings.Join(e.Warnings, ", "))
	}
	return b.String()
}

// Is makes errors.Is(err, ErrSafety) true for every SafetyError.
func (e *SafetyError) Is(target error) bool {
	return target == ErrSafety
}

func (e *SafetyError) Unwrap() error {
	return e.Err
}

// Wrap converts an unexpected monitor-loop failure into a SafetyError. An
// error that already is a SafetyError is returned unchanged.
func Wrap(err error, warnings []string) error {
	if err == nil {
		return nil
	}
	var se *SafetyError
	if errors.As(err, &se) {
		return err
	}
	return &SafetyError{Phase: PhaseMonitor, Warnings: warnings, Err: err}
}
