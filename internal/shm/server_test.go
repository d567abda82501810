package shm

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/nerrad567/benchrig/internal/locks"
)

// startServer starts a server on a free loopback port for the test.
func startServer(t *testing.T) *Server {
	t.Helper()
	srv, err := Start(context.Background(), Config{
		Address:        "127.0.0.1:0",
		LockTimeout:    time.Second,
		BarrierTimeout: time.Second,
		Registerer:     prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv
}

// connect attaches a client to srv for the test.
func connect(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Connect(context.Background(), srv.Addr())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// freeAddr returns a loopback address with nothing listening on it.
func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()
	return addr
}

func TestConnect_NothingListening(t *testing.T) {
	addr := freeAddr(t)

	start := time.Now()
	_, err := Connect(context.Background(), addr)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("Connect() error = %v, want ErrConnectionRefused", err)
	}
	if elapsed > DefaultConnectTimeout {
		t.Errorf("Connect() took %v, want under %v", elapsed, DefaultConnectTimeout)
	}
}

func TestServer_ShutdownIdempotent(t *testing.T) {
	t.Run("never started", func(t *testing.T) {
		srv := NewServer(Config{Address: "127.0.0.1:0"})
		if err := srv.Shutdown(); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		if err := srv.Shutdown(); err != nil {
			t.Errorf("second Shutdown() error = %v", err)
		}
	})

	t.Run("started", func(t *testing.T) {
		srv := startServer(t)
		if err := srv.Shutdown(); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		if err := srv.Shutdown(); err != nil {
			t.Errorf("second Shutdown() error = %v", err)
		}
		select {
		case <-srv.Done():
		default:
			t.Error("Done() not closed after Shutdown")
		}
	})
}

func TestServer_StartTwice(t *testing.T) {
	srv := startServer(t)
	if err := srv.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestServer_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := Start(ctx, Config{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server still serving after context cancellation")
	}
}

func TestServer_ConcurrentGetOrCreate(t *testing.T) {
	srv := startServer(t)

	var wg sync.WaitGroup
	got := make([]*locks.Mutex, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = srv.lock("shared", 0)
		}(i)
	}
	wg.Wait()

	for i, m := range got {
		if m != got[0] {
			t.Fatalf("lock %d is a different instance", i)
		}
	}
	if n := len(srv.Stats().Locks); n != 1 {
		t.Errorf("Stats().Locks has %d entries, want 1", n)
	}
}

func TestServer_Stats(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	if _, err := c.GetLock(ctx, "stage", 0); err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	if _, err := c.GetBarrier(ctx, "sync", 2, nil, 0); err != nil {
		t.Fatalf("GetBarrier() error = %v", err)
	}
	if _, err := c.Namespace(ctx, "bench"); err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}
	if err := c.SetException(ctx, 42, Envelope{Kind: "error", Message: "boom"}); err != nil {
		t.Fatalf("SetException() error = %v", err)
	}

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	want := Stats{
		ServerID:   srv.ID(),
		Locks:      []string{NamespaceLockName("bench"), "stage"},
		Barriers:   []string{"sync"},
		Namespaces: []string{"bench"},
		Exceptions: []int{42},
	}
	if diff := cmp.Diff(want, st, cmpIgnoreStarted); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

var cmpIgnoreStarted = cmp.FilterPath(func(p cmp.Path) bool {
	return p.String() == "Started"
}, cmp.Ignore())

func TestServer_Metrics(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	holder, err := c.GetLock(ctx, "stage", time.Second)
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	waiter, err := c.GetLock(ctx, "stage", time.Second)
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}

	if err := holder.Acquire(ctx, 0); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := waiter.Acquire(ctx, 50*time.Millisecond); !errors.Is(err, locks.ErrTimeout) {
		t.Fatalf("Acquire() error = %v, want ErrTimeout", err)
	}

	if got := counterValue(t, srv.metrics.lockAcquisitions); got != 1 {
		t.Errorf("lock_acquisitions_total = %v, want 1", got)
	}
	if got := counterValue(t, srv.metrics.lockTimeouts); got != 1 {
		t.Errorf("lock_timeouts_total = %v, want 1", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return m.GetCounter().GetValue()
}
