package experiment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/benchrig/internal/device"
	"github.com/nerrad567/benchrig/internal/infrastructure/config"
	"github.com/nerrad567/benchrig/internal/process"
	"github.com/nerrad567/benchrig/internal/safety"
	"github.com/nerrad567/benchrig/internal/shm"
)

func TestMain(m *testing.M) {
	MustRegister("complete", func() Experiment { return &completeExperiment{} })
	MustRegister("boom", func() Experiment { return &boomExperiment{} })
	MustRegister("panics", func() Experiment { return &panicExperiment{} })
	MustRegister("long", func() Experiment { return &longExperiment{} })

	if IsWorker() {
		os.Exit(RunWorker(context.Background(), nil))
	}
	os.Exit(m.Run())
}

// markerDevice writes a file into the run's output directory when closed.
type markerDevice struct {
	dir string
}

func (d *markerDevice) Open() error { return nil }

func (d *markerDevice) Close() error {
	touch(d.dir, "closed")
	return nil
}

func linkMarker(env *Env) error {
	return env.Devices.Link("marker", func() (device.Device, error) {
		return &markerDevice{dir: env.OutputPath}, nil
	})
}

type completeExperiment struct{ Base }

func (completeExperiment) PreExperiment(_ context.Context, env *Env) error {
	return linkMarker(env)
}

func (completeExperiment) Run(ctx context.Context, env *Env) error {
	if _, err := env.Devices.Get("marker"); err != nil {
		return err
	}
	ns, err := env.Shared.Namespace(ctx, "results")
	if err != nil {
		return err
	}
	if err := ns.Set(ctx, "run_id", env.RunID); err != nil {
		return err
	}
	touch(env.OutputPath, "data")
	return nil
}

func (completeExperiment) PostExperiment(_ context.Context, env *Env) error {
	touch(env.OutputPath, "post")
	return nil
}

type boomExperiment struct{ Base }

func (boomExperiment) PreExperiment(_ context.Context, env *Env) error {
	return linkMarker(env)
}

func (boomExperiment) Run(_ context.Context, env *Env) error {
	if _, err := env.Devices.Get("marker"); err != nil {
		return err
	}
	return errors.New("boom")
}

func (boomExperiment) PostExperiment(_ context.Context, env *Env) error {
	touch(env.OutputPath, "post")
	return nil
}

type panicExperiment struct{ Base }

func (panicExperiment) Run(context.Context, *Env) error {
	panic("kaboom")
}

// longExperiment runs for ten seconds unless stopped.
type longExperiment struct{ Base }

func (longExperiment) PreExperiment(_ context.Context, env *Env) error {
	return linkMarker(env)
}

func (longExperiment) Run(ctx context.Context, env *Env) error {
	if _, err := env.Devices.Get("marker"); err != nil {
		return err
	}
	touch(env.OutputPath, "ready")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return nil
	}
}

func touch(dir, name string) {
	_ = os.WriteFile(filepath.Join(dir, name), nil, 0o600)
}

func exists(t *testing.T, dir, name string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

// memRecorder keeps everything it is told.
type memRecorder struct {
	mu       sync.Mutex
	states   []State
	verdicts []safety.Verdict
	last     Run
}

func (r *memRecorder) StateChanged(_ context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, run.State)
	r.last = run
	return nil
}

func (r *memRecorder) SafetyChecked(_ context.Context, _ Run, v safety.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, v)
	return nil
}

func startServer(t *testing.T) *shm.Client {
	t.Helper()
	ctx := context.Background()
	srv, err := shm.Start(ctx, shm.Config{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("shm.Start() error = %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })

	client, err := shm.Connect(ctx, srv.Addr())
	if err != nil {
		t.Fatalf("shm.Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// countingTest passes on its first passFor calls and fails afterwards.
func countingTest(name string, passFor int32) (safety.Test, *atomic.Int32) {
	var calls atomic.Int32
	return safety.Func(name, func(context.Context) (bool, string) {
		n := calls.Add(1)
		if n <= passFor {
			return true, "ok"
		}
		return false, "tripped"
	}), &calls
}

func startWithin(t *testing.T, ctx context.Context, s *Supervisor) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(60 * time.Second):
		t.Fatal("Start() did not return")
		return nil
	}
}

func TestSupervisor_Completes(t *testing.T) {
	client := startServer(t)
	rec := &memRecorder{}
	root := t.TempDir()
	pass, _ := countingTest("door", 100)

	s := New(Config{
		Name:        "complete",
		Suffix:      "smoke",
		OutputRoot:  root,
		SafetyTests: []safety.Test{pass},
		Shared:      client,
		Recorder:    rec,
	})

	if err := startWithin(t, context.Background(), s); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	run := s.Run()
	if run.State != StateCompleted {
		t.Errorf("State = %q, want %q", run.State, StateCompleted)
	}
	if run.PID == 0 {
		t.Error("PID = 0, want worker pid")
	}
	if run.FinishedAt.IsZero() {
		t.Error("FinishedAt not set")
	}

	rel, err := filepath.Rel(filepath.Join(root, "complete"), run.OutputPath)
	if err != nil || strings.Contains(rel, string(filepath.Separator)) || !strings.HasSuffix(rel, "_smoke") {
		t.Errorf("OutputPath = %q, want %s/complete/<timestamp>_smoke", run.OutputPath, root)
	}
	for _, name := range []string{"data", "post", "closed"} {
		if !exists(t, run.OutputPath, name) {
			t.Errorf("%s not written by worker", name)
		}
	}

	ns, err := client.Namespace(context.Background(), "results")
	if err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}
	var got string
	if err := ns.Get(context.Background(), "run_id", &got); err != nil {
		t.Fatalf("Get(run_id) error = %v", err)
	}
	if got != run.ID {
		t.Errorf("run_id written by worker = %q, want %q", got, run.ID)
	}

	want := []State{StateSafetyCheck, StateRunning, StateCompleted}
	if diff := cmp.Diff(want, rec.states); diff != "" {
		t.Errorf("recorded states mismatch (-want +got):\n%s", diff)
	}
	if len(rec.verdicts) == 0 || !rec.verdicts[0].Passed() {
		t.Errorf("pre-start verdict not recorded as passed: %+v", rec.verdicts)
	}
}

func TestSupervisor_AbortsBeforeStart(t *testing.T) {
	root := t.TempDir()
	rec := &memRecorder{}
	pass, _ := countingTest("door", 100)
	fail, calls := countingTest("coolant", 0)

	s := New(Config{
		Name:        "complete",
		OutputRoot:  root,
		SafetyTests: []safety.Test{pass, fail},
		// Nothing listens here; the run must stop before connecting.
		Server:   shm.Config{Address: "127.0.0.1:1"},
		Recorder: rec,
	})

	err := s.Start(context.Background())

	var se *safety.SafetyError
	if !errors.As(err, &se) {
		t.Fatalf("Start() error = %v, want *safety.SafetyError", err)
	}
	if se.Phase != safety.PhasePreStart {
		t.Errorf("Phase = %q, want %q", se.Phase, safety.PhasePreStart)
	}
	if diff := cmp.Diff([]string{"coolant"}, se.Failing); diff != "" {
		t.Errorf("Failing mismatch (-want +got):\n%s", diff)
	}
	if calls.Load() != 1 {
		t.Errorf("failing test called %d times, want 1", calls.Load())
	}

	run := s.Run()
	if run.State != StateAbortedBeforeStart {
		t.Errorf("State = %q, want %q", run.State, StateAbortedBeforeStart)
	}
	if run.PID != 0 {
		t.Errorf("PID = %d, want 0", run.PID)
	}
	if entries, _ := os.ReadDir(root); len(entries) != 0 {
		t.Errorf("output root has %d entries, want none", len(entries))
	}
	if !strings.Contains(rec.last.Error, "coolant") {
		t.Errorf("recorded error = %q, want it to name coolant", rec.last.Error)
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestSupervisor_HookErrorPropagates(t *testing.T) {
	client := startServer(t)

	s := New(Config{Name: "boom", OutputRoot: t.TempDir(), Shared: client})
	err := startWithin(t, context.Background(), s)

	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Start() error = %v, want it to contain boom", err)
	}
	if errors.Is(err, safety.ErrSafety) {
		t.Error("hook error converted to a safety error")
	}
	var childErr *process.ChildError
	if !errors.As(err, &childErr) {
		t.Fatalf("Start() error = %T, want *process.ChildError", err)
	}
	if childErr.Envelope == nil || childErr.Envelope.Message != "boom" {
		t.Errorf("Envelope = %+v, want message boom", childErr.Envelope)
	}
	if s.State() != StateFailed {
		t.Errorf("State = %q, want %q", s.State(), StateFailed)
	}

	out := s.Run().OutputPath
	if !exists(t, out, "closed") {
		t.Error("device cache not cleared after hook error")
	}
	if exists(t, out, "post") {
		t.Error("PostExperiment ran after Run failed")
	}
}

func TestSupervisor_PanicPropagates(t *testing.T) {
	client := startServer(t)

	s := New(Config{Name: "panics", OutputRoot: t.TempDir(), Shared: client})
	err := startWithin(t, context.Background(), s)

	var childErr *process.ChildError
	if !errors.As(err, &childErr) {
		t.Fatalf("Start() error = %v, want *process.ChildError", err)
	}
	if childErr.Envelope == nil || childErr.Envelope.Kind != "panic" {
		t.Errorf("Envelope = %+v, want kind panic", childErr.Envelope)
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("Start() error = %q, want it to contain kaboom", err)
	}
}

func TestSupervisor_SafetyEscalation(t *testing.T) {
	client := startServer(t)
	rec := &memRecorder{}

	// Call 1 is the pre-start check; the test fails from its third call.
	interlock, calls := countingTest("interlock", 2)

	s := New(Config{
		Name:            "long",
		OutputRoot:      t.TempDir(),
		SafetyTests:     []safety.Test{interlock},
		CheckInterval:   time.Second,
		GracefulTimeout: 5 * time.Second,
		Shared:          client,
		Recorder:        rec,
	})

	start := time.Now()
	err := startWithin(t, context.Background(), s)
	elapsed := time.Since(start)

	var se *safety.SafetyError
	if !errors.As(err, &se) {
		t.Fatalf("Start() error = %v, want *safety.SafetyError", err)
	}
	if se.Phase != safety.PhaseEscalation {
		t.Errorf("Phase = %q, want %q", se.Phase, safety.PhaseEscalation)
	}
	if diff := cmp.Diff([]string{"interlock"}, se.Warnings); diff != "" {
		t.Errorf("Warnings mismatch (-want +got):\n%s", diff)
	}
	if n := calls.Load(); n != 4 {
		t.Errorf("safety test called %d times, want 4", n)
	}
	if elapsed >= 10*time.Second {
		t.Errorf("Start() took %v, want the worker stopped before its 10s body finished", elapsed)
	}
	if s.State() != StateKilled {
		t.Errorf("State = %q, want %q", s.State(), StateKilled)
	}

	out := s.Run().OutputPath
	if !exists(t, out, "closed") {
		t.Error("worker did not unwind through its teardown")
	}

	var fatal []bool
	for _, v := range rec.verdicts {
		fatal = append(fatal, v.Fatal)
	}
	// Pre-start, then pass, warn, fatal.
	if diff := cmp.Diff([]bool{false, false, false, true}, fatal); diff != "" {
		t.Errorf("verdicts mismatch (-want +got):\n%s", diff)
	}
}

func TestSupervisor_MonitorPanic(t *testing.T) {
	client := startServer(t)

	var calls atomic.Int32
	flaky := safety.Func("flaky", func(context.Context) (bool, string) {
		if calls.Add(1) > 1 {
			panic("sensor driver crashed")
		}
		return true, "ok"
	})

	s := New(Config{
		Name:            "long",
		OutputRoot:      t.TempDir(),
		SafetyTests:     []safety.Test{flaky},
		PollInterval:    100 * time.Millisecond,
		CheckInterval:   200 * time.Millisecond,
		GracefulTimeout: 5 * time.Second,
		Shared:          client,
	})

	err := startWithin(t, context.Background(), s)

	var se *safety.SafetyError
	if !errors.As(err, &se) {
		t.Fatalf("Start() error = %v, want *safety.SafetyError", err)
	}
	if se.Phase != safety.PhaseMonitor {
		t.Errorf("Phase = %q, want %q", se.Phase, safety.PhaseMonitor)
	}
	if !strings.Contains(err.Error(), "sensor driver crashed") {
		t.Errorf("Start() error = %q, want the panic value", err)
	}
	if s.State() != StateKilled {
		t.Errorf("State = %q, want %q", s.State(), StateKilled)
	}
}

func TestSupervisor_ContextCancel(t *testing.T) {
	client := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(Config{
		Name:         "long",
		OutputRoot:   t.TempDir(),
		PollInterval: 100 * time.Millisecond,
		Shared:       client,
	})

	go func() {
		deadline := time.Now().Add(20 * time.Second)
		for time.Now().Before(deadline) {
			if out := s.Run().OutputPath; out != "" && exists(t, out, "ready") {
				cancel()
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	err := startWithin(t, ctx, s)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() error = %v, want context.Canceled", err)
	}
	if s.State() != StateKilled {
		t.Errorf("State = %q, want %q", s.State(), StateKilled)
	}
	if !exists(t, s.Run().OutputPath, "closed") {
		t.Error("worker did not unwind through its teardown")
	}
}

func TestSupervisor_UnknownExperimentFailsInWorker(t *testing.T) {
	client := startServer(t)

	s := New(Config{Name: "not-registered", OutputRoot: t.TempDir(), Shared: client})
	err := startWithin(t, context.Background(), s)

	var childErr *process.ChildError
	if !errors.As(err, &childErr) {
		t.Fatalf("Start() error = %v, want *process.ChildError", err)
	}
	if !strings.Contains(err.Error(), "unknown experiment") {
		t.Errorf("Start() error = %q, want it to mention the unknown experiment", err)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Supervisor.CheckInterval = 3 * time.Second

	got := FromConfig("focus-scan", cfg)

	if got.Name != "focus-scan" {
		t.Errorf("Name = %q, want focus-scan", got.Name)
	}
	if got.CheckInterval != 3*time.Second {
		t.Errorf("CheckInterval = %v, want 3s", got.CheckInterval)
	}
	if got.Server.Address != cfg.Server.Address() {
		t.Errorf("Server.Address = %q, want %q", got.Server.Address, cfg.Server.Address())
	}
	if got.OutputRoot != cfg.Supervisor.OutputRoot {
		t.Errorf("OutputRoot = %q, want %q", got.OutputRoot, cfg.Supervisor.OutputRoot)
	}
	if !got.StartServer {
		t.Error("StartServer = false, want default true")
	}
}
