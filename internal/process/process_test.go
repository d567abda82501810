package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nerrad567/benchrig/internal/shm"
)

// Environment read by the re-executed test binary.
const (
	envMode = "PROCESS_TEST_MODE"
	envAddr = "PROCESS_TEST_SHM"
	envDir  = "PROCESS_TEST_DIR"
)

func TestMain(m *testing.M) {
	if IsChild() {
		os.Exit(testChild())
	}
	os.Exit(m.Run())
}

// testChild is the body of the re-executed test binary.
func testChild() int {
	ctx := context.Background()
	dir := os.Getenv(envDir)

	var reporter Reporter
	if addr := os.Getenv(envAddr); addr != "" {
		client, err := shm.Connect(ctx, addr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		defer client.Close()
		reporter = client
	}

	switch os.Getenv(envMode) {
	case "ok":
		return RunChild(ctx, reporter, func(context.Context) error {
			fmt.Println("hello from child")
			return nil
		})
	case "error":
		return RunChild(ctx, reporter, func(context.Context) error {
			return errors.New("boom")
		})
	case "panic":
		return RunChild(ctx, reporter, func(context.Context) error {
			panic("kaboom")
		})
	case "exit":
		return 3
	case "unwind":
		return RunChild(ctx, reporter, func(ctx context.Context) error {
			touch(dir, "ready")
			<-ctx.Done()
			touch(dir, "unwound")
			return ctx.Err()
		})
	case "stubborn":
		signal.Ignore(unix.SIGTERM)
		touch(dir, "ready")
		time.Sleep(time.Minute)
		return 0
	default:
		return 2
	}
}

func touch(dir, name string) {
	_ = os.WriteFile(filepath.Join(dir, name), nil, 0o600)
}

// waitForFile polls until dir/name exists.
func waitForFile(t *testing.T, dir, name string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s not created by child", name)
}

// startServer starts a shared memory server for the test.
func startServer(t *testing.T) (*shm.Server, *shm.Client) {
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
	return srv, client
}

// newChild builds a supervised re-execution of the test binary in mode.
// A nil client runs the child without a side channel.
func newChild(t *testing.T, mode string, client *shm.Client) (*Supervised, string) {
	t.Helper()
	dir := t.TempDir()
	env := []string{envMode + "=" + mode, envDir + "=" + dir}
	if client != nil {
		env = append(env, envAddr+"="+client.Addr())
	}

	cfg, err := Reexec("test-"+mode, nil, env...)
	if err != nil {
		t.Fatalf("Reexec() error = %v", err)
	}
	if client != nil {
		cfg.Exceptions = client
	}
	return New(cfg), dir
}

func joinWithin(t *testing.T, p *Supervised) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := p.Join(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Join() did not return: %v", err)
	}
	return err
}

// recordingLogger keeps the lines captured from child output.
type recordingLogger struct {
	noopLogger
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) Info(msg string, args ...any) {
	if msg != "process output" {
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == "line" {
			r.mu.Lock()
			r.lines = append(r.lines, fmt.Sprint(args[i+1]))
			r.mu.Unlock()
		}
	}
}

func (r *recordingLogger) captured() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestSupervised_CleanExit(t *testing.T) {
	_, client := startServer(t)
	p, _ := newChild(t, "ok", client)
	logger := &recordingLogger{}
	p.SetLogger(logger)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := joinWithin(t, p); err != nil {
		t.Fatalf("Join() error = %v, want nil", err)
	}

	if got := p.ExitCode(); got != 0 {
		t.Errorf("ExitCode() = %d, want 0", got)
	}
	if p.Alive() {
		t.Error("Alive() = true after exit")
	}
	if got := p.Status(); got != StatusExited {
		t.Errorf("Status() = %q, want %q", got, StatusExited)
	}

	found := false
	for _, line := range logger.captured() {
		if line == "hello from child" {
			found = true
		}
	}
	if !found {
		t.Errorf("child stdout not captured, got %q", logger.captured())
	}
}

func TestSupervised_FailureFerried(t *testing.T) {
	tests := []struct {
		mode      string
		message   string
		kind      string
		wantTrace bool
	}{
		{mode: "error", message: "boom", kind: "error"},
		{mode: "panic", message: "kaboom", kind: "panic", wantTrace: true},
	}

	_, client := startServer(t)

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			p, _ := newChild(t, tt.mode, client)
			if err := p.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			err := joinWithin(t, p)
			if !errors.Is(err, ErrChildFailed) {
				t.Fatalf("Join() error = %v, want ErrChildFailed", err)
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("Join() error = %q, want it to contain %q", err, tt.message)
			}

			var childErr *ChildError
			if !errors.As(err, &childErr) {
				t.Fatalf("Join() error is %T, want *ChildError", err)
			}
			if childErr.Envelope == nil {
				t.Fatal("Envelope = nil, want the child's report")
			}
			if childErr.Envelope.Kind != tt.kind {
				t.Errorf("Envelope.Kind = %q, want %q", childErr.Envelope.Kind, tt.kind)
			}
			if childErr.Envelope.PID != p.PID() {
				t.Errorf("Envelope.PID = %d, want %d", childErr.Envelope.PID, p.PID())
			}
			if got := childErr.Trace() != ""; got != tt.wantTrace {
				t.Errorf("Trace() present = %v, want %v", got, tt.wantTrace)
			}
			if childErr.ExitCode != ExitFailure {
				t.Errorf("ExitCode = %d, want %d", childErr.ExitCode, ExitFailure)
			}
		})
	}
}

func TestSupervised_FailureWithoutEnvelope(t *testing.T) {
	t.Run("exit without report", func(t *testing.T) {
		_, client := startServer(t)
		p, _ := newChild(t, "exit", client)
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		err := joinWithin(t, p)
		var childErr *ChildError
		if !errors.As(err, &childErr) {
			t.Fatalf("Join() error = %v, want *ChildError", err)
		}
		if childErr.Envelope != nil {
			t.Errorf("Envelope = %+v, want nil", childErr.Envelope)
		}
		if !strings.Contains(err.Error(), "exited with code 3") {
			t.Errorf("Join() error = %q, want exit code in message", err)
		}
	})

	t.Run("no side channel", func(t *testing.T) {
		p, _ := newChild(t, "error", nil)
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		err := joinWithin(t, p)
		if !errors.Is(err, ErrChildFailed) {
			t.Fatalf("Join() error = %v, want ErrChildFailed", err)
		}
		if got := p.ExitCode(); got != ExitFailure {
			t.Errorf("ExitCode() = %d, want %d", got, ExitFailure)
		}
	})

	t.Run("side channel gone", func(t *testing.T) {
		srv, client := startServer(t)
		p, dir := newChild(t, "unwind", client)
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitForFile(t, dir, "ready")
		_ = srv.Shutdown()
		_ = p.Kill()

		err := joinWithin(t, p)
		var childErr *ChildError
		if !errors.As(err, &childErr) {
			t.Fatalf("Join() error = %v, want *ChildError", err)
		}
		if childErr.LookupErr == nil {
			t.Error("LookupErr = nil, want side-channel failure")
		}
	})
}

func TestSupervised_TerminateLetsChildUnwind(t *testing.T) {
	_, client := startServer(t)
	p, dir := newChild(t, "unwind", client)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForFile(t, dir, "ready")

	if err := p.Stop(10 * time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "unwound")); err != nil {
		t.Errorf("child did not unwind: %v", err)
	}

	err := joinWithin(t, p)
	var childErr *ChildError
	if !errors.As(err, &childErr) {
		t.Fatalf("Join() error = %v, want *ChildError", err)
	}
	if childErr.Signal != "" {
		t.Errorf("Signal = %q, want a normal exit after SIGTERM", childErr.Signal)
	}
}

func TestSupervised_StopEscalatesToKill(t *testing.T) {
	p, dir := newChild(t, "stubborn", nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitForFile(t, dir, "ready")

	start := time.Now()
	if err := p.Stop(200 * time.Millisecond); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Stop() took %v", elapsed)
	}

	err := joinWithin(t, p)
	var childErr *ChildError
	if !errors.As(err, &childErr) {
		t.Fatalf("Join() error = %v, want *ChildError", err)
	}
	if childErr.Signal != "SIGKILL" {
		t.Errorf("Signal = %q, want SIGKILL", childErr.Signal)
	}
	if got := p.ExitCode(); got != -1 {
		t.Errorf("ExitCode() = %d, want -1", got)
	}
}

func TestSupervised_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("join before start", func(t *testing.T) {
		p := New(Config{Name: "idle", Binary: "/bin/true"})
		if err := p.Join(ctx); !errors.Is(err, ErrNotStarted) {
			t.Errorf("Join() error = %v, want ErrNotStarted", err)
		}
		if err := p.Stop(0); err != nil {
			t.Errorf("Stop() before Start error = %v", err)
		}
		if pid := p.PID(); pid != 0 {
			t.Errorf("PID() = %d, want 0", pid)
		}
	})

	t.Run("no binary", func(t *testing.T) {
		p := New(Config{Name: "empty"})
		if err := p.Start(ctx); !errors.Is(err, ErrNoBinary) {
			t.Errorf("Start() error = %v, want ErrNoBinary", err)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		p := New(Config{Name: "missing", Binary: filepath.Join(t.TempDir(), "absent")})
		startErr := p.Start(ctx)
		if startErr == nil {
			t.Fatal("Start() error = nil, want exec failure")
		}
		if err := p.Join(ctx); err == nil || err.Error() != startErr.Error() {
			t.Errorf("Join() error = %v, want %v", err, startErr)
		}
		if got := p.Status(); got != StatusFailed {
			t.Errorf("Status() = %q, want %q", got, StatusFailed)
		}
	})

	t.Run("start twice", func(t *testing.T) {
		p, _ := newChild(t, "ok", nil)
		if err := p.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := p.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
			t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
		}
		_ = joinWithin(t, p)
	})
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "errors.New", err: errors.New("x"), want: "error"},
		{name: "fmt.Errorf wrap", err: fmt.Errorf("ctx: %w", os.ErrNotExist), want: "error"},
		{name: "typed", err: &os.PathError{Op: "open", Path: "/x", Err: os.ErrNotExist}, want: "*fs.PathError"},
		{name: "panic", err: &panicError{value: "x"}, want: "panic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorKind(tt.err); got != tt.want {
				t.Errorf("errorKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChildError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *ChildError
		want string
	}{
		{
			name: "with envelope",
			err:  &ChildError{Name: "w", PID: 7, ExitCode: 1, Envelope: &shm.Envelope{Kind: "error", Message: "boom"}},
			want: "process w (pid 7) failed: boom [error]",
		},
		{
			name: "exit code",
			err:  &ChildError{Name: "w", PID: 7, ExitCode: 3},
			want: "process w (pid 7) exited with code 3",
		},
		{
			name: "signal",
			err:  &ChildError{Name: "w", PID: 7, ExitCode: -1, Signal: "SIGKILL"},
			want: "process w (pid 7) terminated by SIGKILL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
