package safety

import (
	"context"
	"sync"
)

// Test is a polled interlock.
//
// Check reports whether the condition holds, and a message describing it.
// Implementations should return promptly and honour ctx.
type Test interface {
	Name() string
	Check(ctx context.Context) (passed bool, message string)
}

type funcTest struct {
	name string
	fn   func(context.Context) (bool, string)
}

func (f funcTest) Name() string { return f.name }

func (f funcTest) Check(ctx context.Context) (bool, string) { return f.fn(ctx) }

// Func adapts fn into a Test called name.
func Func(name string, fn func(ctx context.Context) (bool, string)) Test {
	return funcTest{name: name, fn: fn}
}

// Logger defines the logging interface used by the Monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Result is the outcome of one test in one round.
type Result struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`

	// Warning is the test's warning flag after this round.
	Warning bool `json:"warning"`

	// Fatal is set when this failure followed a failure in the previous round.
	Fatal bool `json:"fatal"`
}

// Verdict is the outcome of one round of checks.
type Verdict struct {
	Round   int      `json:"round"`
	Results []Result `json:"results"`
	Fatal   bool     `json:"fatal"`
}

// Passed reports whether every test in the round passed.
func (v Verdict) Passed() bool {
	for _, r := range v.Results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Failing returns the names of the tests that failed this round.
func (v Verdict) Failing() []string {
	var names []string
	for _, r := range v.Results {
		if !r.Passed {
			names = append(names, r.Name)
		}
	}
	return names
}

// Warnings returns the names of the tests whose warning flag is set.
func (v Verdict) Warnings() []string {
	var names []string
	for _, r := range v.Results {
		if r.Warning {
			names = append(names, r.Name)
		}
	}
	return names
}

// Err returns the SafetyError for a fatal verdict, or nil.
//
// Pre-start verdicts are fatal on any failure and name every failing test.
// Escalation verdicts name only the tests that failed twice in a row.
func (v Verdict) Err(phase Phase) error {
	if !v.Fatal {
		return nil
	}
	se := &SafetyError{Phase: phase, Warnings: v.Warnings()}
	for _, r := range v.Results {
		if r.Passed || (phase == PhaseEscalation && !r.Fatal) {
			continue
		}
		se.Failing = append(se.Failing, r.Name)
		se.Messages = append(se.Messages, r.Message)
	}
	return se
}

// CheckAll runs every test once and treats any failure as fatal. It is the
// gate run before an experiment touches hardware. Every test runs even after
// one fails, so the error names all of them.
func CheckAll(ctx context.Context, tests []Test) (Verdict, error) {
	v := Verdict{Round: 1, Results: make([]Result, 0, len(tests))}
	for _, t := range tests {
		passed, msg := t.Check(ctx)
		v.Results = append(v.Results, Result{Name: t.Name(), Passed: passed, Message: msg})
		if !passed {
			v.Fatal = true
		}
	}
	return v, v.Err(PhasePreStart)
}

// Monitor re-runs a fixed set of tests and escalates repeated failures.
//
// Each test carries a warning flag, initially clear. A pass clears it. The
// first failure sets it and only warns. A failure observed while the flag is
// already set is fatal. A test alternating between pass and fail therefore
// never escalates.
//
// Thread Safety: RunAll calls are serialised; the read accessors are safe
// for concurrent use.
type Monitor struct {
	tests []Test

	mu       sync.Mutex
	warnings []bool
	round    int
	logger   Logger
}

// NewMonitor creates a monitor over tests with every warning flag clear.
func NewMonitor(tests ...Test) *Monitor {
	return &Monitor{
		tests:    tests,
		warnings: make([]bool, len(tests)),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// Tests returns the monitored tests.
func (m *Monitor) Tests() []Test {
	return m.tests
}

// RunAll runs every test once and updates the warning flags.
func (m *Monitor) RunAll(ctx context.Context) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.round++
	v := Verdict{Round: m.round, Results: make([]Result, 0, len(m.tests))}

	for i, t := range m.tests {
		passed, msg := t.Check(ctx)
		r := Result{Name: t.Name(), Passed: passed, Message: msg}

		switch {
		case passed:
			if m.warnings[i] {
				m.logger.Info("safety test recovered", "test", r.Name, "round", m.round)
			}
			m.warnings[i] = false
		case m.warnings[i]:
			r.Fatal = true
			v.Fatal = true
			m.logger.Error("safety test failed twice in a row",
				"test", r.Name,
				"round", m.round,
				"message", msg,
			)
		default:
			m.warnings[i] = true
			m.logger.Warn("safety test failed, warning set",
				"test", r.Name,
				"round", m.round,
				"message", msg,
			)
		}

		r.Warning = m.warnings[i]
		v.Results = append(v.Results, r)
	}

	m.logger.Debug("safety round complete", "round", m.round, "fatal", v.Fatal)
	return v
}

// Warnings returns the names of tests whose warning flag is set.
func (m *Monitor) Warnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for i, w := range m.warnings {
		if w {
			names = append(names, m.tests[i].Name())
		}
	}
	return names
}

// Rounds returns how many times RunAll has run.
func (m *Monitor) Rounds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}
