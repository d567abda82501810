package experiment

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/benchrig/internal/safety"
)

// State is a stage of a supervised run.
type State string

const (
	StateInit               State = "init"
	StateSafetyCheck        State = "safety_check"
	StateRunning            State = "running"
	StateCompleted          State = "completed"
	StateAbortedBeforeStart State = "aborted_before_start"
	StateKilled             State = "killed"

	// StateFailed is a worker whose hooks returned an error or panicked.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateAbortedBeforeStart, StateKilled, StateFailed:
		return true
	}
	return false
}

// Run is a snapshot of a supervised run.
type Run struct {
	ID         string    `json:"id"`
	Experiment string    `json:"experiment"`
	OutputPath string    `json:"output_path,omitempty"`
	PID        int       `json:"pid,omitempty"`
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Recorder observes a run. Errors it returns are logged by the supervisor
// and never stop the run.
type Recorder interface {
	// StateChanged is called after every transition, including the final one.
	StateChanged(ctx context.Context, run Run) error

	// SafetyChecked is called after every round of safety tests.
	SafetyChecked(ctx context.Context, run Run, verdict safety.Verdict) error
}

// MultiRecorder fans out to every recorder in order.
type MultiRecorder []Recorder

func (m MultiRecorder) StateChanged(ctx context.Context, run Run) error {
	var errs []error
	for _, r := range m {
		if err := r.StateChanged(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiRecorder) SafetyChecked(ctx context.Context, run Run, verdict safety.Verdict) error {
	var errs []error
	for _, r := range m {
		if err := r.SafetyChecked(ctx, run, verdict); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopRecorder struct{}

func (noopRecorder) StateChanged(context.Context, Run) error                  { return nil }
func (noopRecorder) SafetyChecked(context.Context, Run, safety.Verdict) error { return nil }
