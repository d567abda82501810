package shm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNamespace_VisibleAcrossClients(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	ns1, err := connect(t, srv).Namespace(ctx, "bench")
	if err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}
	ns2, err := connect(t, srv).Namespace(ctx, "bench")
	if err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}
	if ns1.ID() != ns2.ID() {
		t.Fatalf("ID() = %q and %q, want one namespace", ns1.ID(), ns2.ID())
	}

	if err := ns1.Lock(ctx); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := ns1.Set(ctx, "x", "from1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := ns1.Unlock(ctx); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	var got string
	if err := ns2.Get(ctx, "x", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "from1" {
		t.Errorf("Get(x) = %q, want %q", got, "from1")
	}
}

func TestNamespace_StructuredValues(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	type position struct {
		X, Y float64
		Axis string
	}

	ns, err := connect(t, srv).Namespace(ctx, "stage")
	if err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}

	want := position{X: 1.5, Y: -2, Axis: "xy"}
	if err := ns.Set(ctx, "pos", want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var got position
	if err := ns.Get(ctx, "pos", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get(pos) mismatch (-want +got):\n%s", diff)
	}
}

func TestNamespace_MissingKey(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	ns, err := connect(t, srv).Namespace(ctx, "bench")
	if err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}

	var v int
	if err := ns.Get(ctx, "absent", &v); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() error = %v, want ErrKeyNotFound", err)
	}
	if err := ns.Delete(ctx, "absent"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Delete() error = %v, want ErrKeyNotFound", err)
	}
}

func TestNamespace_KeysAndDelete(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	ns, err := connect(t, srv).Namespace(ctx, "bench")
	if err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}
	for _, k := range []string{"b", "a", "_state"} {
		if err := ns.Set(ctx, k, 1); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
	}
	if err := ns.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	keys, err := ns.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if diff := cmp.Diff([]string{"_state", "a"}, keys); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
}

func TestNamespace_PrivateKeysBypassMutex(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	c.SetDefaultLockTimeout(100 * time.Millisecond)
	ctx := context.Background()

	holder, err := c.Namespace(ctx, "bench")
	if err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}
	other, err := c.Namespace(ctx, "bench")
	if err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}

	if err := holder.Lock(ctx); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer holder.Unlock(ctx)

	if err := other.Set(ctx, "_owner", "other"); err != nil {
		t.Errorf("Set(private) while locked elsewhere error = %v", err)
	}
	if err := other.Set(ctx, "public", 1); err == nil {
		t.Error("Set(public) while locked elsewhere succeeded, want timeout")
	}
}

func TestNamespace_UpdateIsAtomic(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	const (
		clients    = 4
		increments = 10
	)

	var wg sync.WaitGroup
	for range clients {
		c := connect(t, srv)
		c.SetDefaultLockTimeout(10 * time.Second)
		ns, err := c.Namespace(ctx, "counter")
		if err != nil {
			t.Fatalf("Namespace() error = %v", err)
		}
		count := NewField[int](ns, "count")

		wg.Add(1)
		go func() {
			defer wg.Done()
			for range increments {
				if _, err := count.Modify(ctx, func(n int) int { return n + 1 }); err != nil {
					t.Errorf("Modify() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	ns, err := connect(t, srv).Namespace(ctx, "counter")
	if err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}
	got, err := NewField[int](ns, "count").Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != clients*increments {
		t.Errorf("count = %d, want %d", got, clients*increments)
	}
}

func TestField_GetOr(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	ns, err := connect(t, srv).Namespace(ctx, "bench")
	if err != nil {
		t.Fatalf("Namespace() error = %v", err)
	}
	temp := NewField[float64](ns, "temperature")

	got, err := temp.GetOr(ctx, 21.5)
	if err != nil || got != 21.5 {
		t.Errorf("GetOr() = %v, %v; want 21.5, nil", got, err)
	}
}

func TestIsPrivateKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{key: "_lock", want: true},
		{key: "__meta", want: true},
		{key: "value", want: false},
		{key: "", want: false},
	}

	for _, tt := range tests {
		if got := IsPrivateKey(tt.key); got != tt.want {
			t.Errorf("IsPrivateKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
