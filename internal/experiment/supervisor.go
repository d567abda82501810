package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/benchrig/internal/infrastructure/config"
	"github.com/nerrad567/benchrig/internal/process"
	"github.com/nerrad567/benchrig/internal/safety"
	"github.com/nerrad567/benchrig/internal/shm"
)

// Defaults for Config fields left zero.
const (
	DefaultPollInterval    = time.Second
	DefaultCheckInterval   = 10 * time.Second
	DefaultGracefulTimeout = process.DefaultGracefulTimeout
)

// recordTimeout bounds each Recorder call.
const recordTimeout = 5 * time.Second

// timestampLayout names output directories.
const timestampLayout = "2006-01-02T15-04-05"

// Logger defines the logging interface used by the experiment package.
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

// Config holds the settings of one supervised run.
type Config struct {
	// Name is the registered experiment the worker runs.
	Name string

	// Suffix is appended to the output directory name.
	Suffix string

	// OutputRoot is the directory under which <Name>/<timestamp>[_<Suffix>]
	// is created.
	OutputRoot string

	// SafetyTests gate the start and are re-run while the worker is alive.
	SafetyTests []safety.Test

	// PollInterval is how often worker liveness is checked.
	PollInterval time.Duration

	// CheckInterval is how often the safety tests are re-run. It is rounded
	// up to a whole number of poll intervals.
	CheckInterval time.Duration

	// GracefulTimeout is how long a soft-killed worker may take to unwind.
	GracefulTimeout time.Duration

	// Shared is the supervisor's connection to the shared memory server. When
	// nil, Start attaches using Server, starting a server in this process if
	// StartServer is set and nothing is listening.
	Shared      *shm.Client
	Server      shm.Config
	StartServer bool

	// Args and Env are passed to the worker in addition to the worker settings.
	Args []string
	Env  []string

	// Output receives the worker's stdout and stderr. When nil each line is
	// logged.
	Output io.Writer

	Recorder Recorder
	Logger   Logger
}

// FromConfig builds a run Config for experiment name from the loaded config.
func FromConfig(name string, cfg *config.Config) Config {
	return Config{
		Name:            name,
		OutputRoot:      cfg.Supervisor.OutputRoot,
		CheckInterval:   cfg.Supervisor.CheckInterval,
		GracefulTimeout: cfg.Supervisor.GracefulTimeout,
		StartServer:     cfg.Supervisor.StartServer,
		Server: shm.Config{
			Address:        cfg.Server.Address(),
			LockTimeout:    cfg.Locks.DefaultTimeout,
			BarrierTimeout: cfg.Locks.DefaultTimeout,
		},
	}
}

// Supervisor runs one experiment in a worker process and watches its safety
// tests while it runs.
//
// The run moves through
//
//	init → safety_check → running → completed | killed | failed
//	              └──────→ aborted_before_start
//
// Thread Safety:
//   - Start may be called once. The accessors are safe for concurrent use.
type Supervisor struct {
	cfg      Config
	logger   Logger
	recorder Recorder

	mu      sync.RWMutex
	run     Run
	started bool
}

// New creates a supervisor for cfg.
func New(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = DefaultGracefulTimeout
	}
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = "."
	}

	s := &Supervisor{
		cfg:      cfg,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		run: Run{
			ID:         uuid.NewString(),
			Experiment: cfg.Name,
			State:      StateInit,
		},
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.recorder == nil {
		s.recorder = noopRecorder{}
	}
	return s
}

// Run returns a snapshot of the run.
func (s *Supervisor) Run() Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run
}

// State returns the current state.
func (s *Supervisor) State() State {
	return s.Run().State
}

// Start runs the experiment to completion and returns its outcome.
//
// A failing safety test before the worker starts returns a
// *safety.SafetyError and no process is created. A test failing on two
// consecutive checks while the worker runs terminates the worker softly and
// returns a *safety.SafetyError, as does a failure of the monitor loop
// itself. A worker whose hooks fail returns the worker's *process.ChildError
// unmodified. Cancelling ctx stops the worker the same way a safety failure
// does and returns ctx.Err().
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.run.StartedAt = time.Now().UTC()
	s.mu.Unlock()

	if s.cfg.Name == "" {
		s.finish(ctx, StateAbortedBeforeStart, ErrInvalidName)
		return ErrInvalidName
	}

	s.transition(ctx, StateSafetyCheck)
	if err := s.preStart(ctx); err != nil {
		s.finish(ctx, StateAbortedBeforeStart, err)
		return err
	}

	client, cleanup, err := s.attach(ctx)
	if err != nil {
		s.finish(ctx, StateAbortedBeforeStart, err)
		return err
	}
	defer cleanup()

	outputPath, err := s.createOutput()
	if err != nil {
		s.finish(ctx, StateAbortedBeforeStart, err)
		return err
	}

	proc, err := s.spawn(ctx, client, outputPath)
	if err != nil {
		s.finish(ctx, StateFailed, err)
		return err
	}

	state, err := s.supervise(ctx, proc)
	s.finish(ctx, state, err)
	return err
}

// preStart runs every safety test once. A panicking test counts as fatal.
func (s *Supervisor) preStart(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &safety.SafetyError{
				Phase: safety.PhasePreStart,
				Err:   fmt.Errorf("safety test panicked: %v", r),
			}
		}
	}()

	verdict, err := safety.CheckAll(ctx, s.cfg.SafetyTests)
	s.recordVerdict(ctx, verdict)
	if err != nil {
		s.logger.Error("pre-start safety check failed",
			"experiment", s.cfg.Name,
			"failing", verdict.Failing(),
		)
	}
	return err
}

// attach returns the client to hand to the worker and a cleanup for anything
// attach created.
func (s *Supervisor) attach(ctx context.Context) (*shm.Client, func(), error) {
	if s.cfg.Shared != nil {
		return s.cfg.Shared, func() {}, nil
	}

	var (
		client *shm.Client
		srv    *shm.Server
		err    error
	)
	if s.cfg.StartServer {
		client, srv, err = shm.Attach(ctx, s.cfg.Server)
	} else {
		client, err = shm.Connect(ctx, s.cfg.Server.Address)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("attaching to shared memory server: %w", err)
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			s.logger.Warn("closing shared memory client", "error", err)
		}
		if srv != nil {
			if err := srv.Shutdown(); err != nil {
				s.logger.Warn("shutting down shared memory server", "error", err)
			}
		}
	}
	return client, cleanup, nil
}

// createOutput resolves and creates <root>/<name>/<timestamp>[_suffix].
func (s *Supervisor) createOutput() (string, error) {
	dir := time.Now().Format(timestampLayout)
	if s.cfg.Suffix != "" {
		dir += "_" + s.cfg.Suffix
	}
	path := filepath.Join(s.cfg.OutputRoot, s.cfg.Name, dir)

	if err := os.MkdirAll(path, 0o755); err != nil { //nolint:gosec // run output is shared with analysis tools
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	s.mu.Lock()
	s.run.OutputPath = path
	s.mu.Unlock()
	return path, nil
}

// spawn starts the worker process.
func (s *Supervisor) spawn(ctx context.Context, client *shm.Client, outputPath string) (*process.Supervised, error) {
	run := s.Run()
	env := append([]string{
		EnvExperiment + "=" + s.cfg.Name,
		EnvOutputPath + "=" + outputPath,
		EnvServer + "=" + client.Addr(),
		EnvRunID + "=" + run.ID,
	}, s.cfg.Env...)

	pcfg, err := process.Reexec(s.cfg.Name, s.cfg.Args, env...)
	if err != nil {
		return nil, err
	}
	pcfg.GracefulTimeout = s.cfg.GracefulTimeout
	pcfg.Exceptions = client
	pcfg.Output = s.cfg.Output

	proc := process.New(pcfg)
	proc.SetLogger(s.logger)

	if err := proc.Start(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.run.PID = proc.PID()
	s.mu.Unlock()
	s.transition(ctx, StateRunning)
	return proc, nil
}

// supervise polls the worker until it exits, re-running the safety tests
// every check interval.
func (s *Supervisor) supervise(ctx context.Context, proc *process.Supervised) (state State, err error) {
	monitor := safety.NewMonitor(s.cfg.SafetyTests...)
	monitor.SetLogger(s.logger)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("safety monitor panicked",
				"experiment", s.cfg.Name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			s.stop(proc)
			state = StateKilled
			err = safety.Wrap(fmt.Errorf("monitor panicked: %v", r), monitor.Warnings())
		}
	}()

	checkEvery := int((s.cfg.CheckInterval + s.cfg.PollInterval - 1) / s.cfg.PollInterval)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		select {
		case <-proc.Done():
			return s.joined(ctx, proc)
		case <-ctx.Done():
			s.logger.Warn("run cancelled, stopping worker", "experiment", s.cfg.Name)
			s.stop(proc)
			return StateKilled, ctx.Err()
		case <-ticker.C:
		}

		if !proc.Alive() {
			return s.joined(ctx, proc)
		}
		if polls%checkEvery != 0 {
			continue
		}

		verdict := monitor.RunAll(ctx)
		s.recordVerdict(ctx, verdict)
		if !verdict.Fatal {
			continue
		}

		s.logger.Error("safety escalation, stopping worker",
			"experiment", s.cfg.Name,
			"round", verdict.Round,
			"failing", verdict.Failing(),
			"warnings", verdict.Warnings(),
		)
		s.stop(proc)
		return StateKilled, verdict.Err(safety.PhaseEscalation)
	}
}

// joined returns the outcome of an exited worker.
func (s *Supervisor) joined(ctx context.Context, proc *process.Supervised) (State, error) {
	if err := proc.Join(context.WithoutCancel(ctx)); err != nil {
		return StateFailed, err
	}
	return StateCompleted, nil
}

// stop soft-kills the worker, escalating to SIGKILL after the grace period.
func (s *Supervisor) stop(proc *process.Supervised) {
	if err := proc.Stop(s.cfg.GracefulTimeout); err != nil {
		s.logger.Error("stopping worker", "experiment", s.cfg.Name, "error", err)
		return
	}
	if err := proc.Join(context.Background()); err != nil {
		s.logger.Info("stopped worker exited", "experiment", s.cfg.Name, "result", err)
	}
}

func (s *Supervisor) transition(ctx context.Context, state State) {
	s.mu.Lock()
	prev := s.run.State
	s.run.State = state
	run := s.run
	s.mu.Unlock()

	s.logger.Info("experiment state changed",
		"experiment", s.cfg.Name,
		"run_id", run.ID,
		"from", prev,
		"to", state,
	)
	s.record(ctx, func(rctx context.Context) error { return s.recorder.StateChanged(rctx, run) })
}

// finish moves to a terminal state, recording err.
func (s *Supervisor) finish(ctx context.Context, state State, err error) {
	s.mu.Lock()
	s.run.FinishedAt = time.Now().UTC()
	if err != nil {
		s.run.Error = err.Error()
	}
	s.mu.Unlock()

	s.transition(ctx, state)
}

func (s *Supervisor) recordVerdict(ctx context.Context, verdict safety.Verdict) {
	run := s.Run()
	s.record(ctx, func(rctx context.Context) error { return s.recorder.SafetyChecked(rctx, run, verdict) })
}

// record calls a recorder with a bounded context that outlives cancellation
// of the run.
func (s *Supervisor) record(ctx context.Context, fn func(context.Context) error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := fn(rctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("recording run failed", "experiment", s.cfg.Name, "error", err)
	}
}
