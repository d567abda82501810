package shm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/benchrig/internal/locks"
)

// PrivatePrefix marks namespace keys that are read and written without
// taking the namespace mutex.
const PrivatePrefix = "_"

// Namespace is a handle on a named key/value namespace hosted by the server.
//
// Every handle opened with the same name, from any client, addresses the same
// physical namespace; ID reports its server-side identity.
//
// Each public-key operation is atomic on its own: it takes the namespace
// mutex, performs one remote call and releases. Sequences that must be atomic
// go through Update, or Lock and Unlock. The mutex is re-entrant for this
// handle, so operations inside Update do not deadlock.
//
// A handle is bound to one owner token. Goroutines that need to contend with
// each other must open their own handles.
type Namespace struct {
	c    *Client
	name string
	id   string
	mu   *RemoteMutex
}

// Namespace opens the named namespace, creating it on first use.
func (c *Client) Namespace(ctx context.Context, name string) (*Namespace, error) {
	var resp namespaceResponse
	if err := c.invoke(ctx, "NamespaceOpen", &namespaceRequest{Namespace: name}, &resp); err != nil {
		return nil, fmt.Errorf("opening namespace %q: %w", name, err)
	}

	return &Namespace{
		c:    c,
		name: name,
		id:   resp.ID,
		mu: &RemoteMutex{
			c:       c,
			name:    resp.Lock,
			owner:   c.nextOwner(),
			timeout: c.defaultLockTimeout(),
		},
	}, nil
}

// Name returns the registered name.
func (n *Namespace) Name() string { return n.name }

// ID returns the server-side identity of the namespace.
func (n *Namespace) ID() string { return n.id }

// Mutex returns the namespace mutex as held by this handle.
func (n *Namespace) Mutex() *RemoteMutex { return n.mu }

// Get decodes the value stored under key into out.
// It returns ErrKeyNotFound when the key has no value.
func (n *Namespace) Get(ctx context.Context, key string, out any) error {
	return n.guard(ctx, key, func() error {
		var resp namespaceResponse
		if err := n.c.invoke(ctx, "NamespaceGet", &namespaceRequest{Namespace: n.name, Key: key}, &resp); err != nil {
			return err
		}
		if !resp.Found {
			return fmt.Errorf("%w: %s.%s", ErrKeyNotFound, n.name, key)
		}
		if err := json.Unmarshal(resp.Value, out); err != nil {
			return fmt.Errorf("decoding %s.%s: %w", n.name, key, err)
		}
		return nil
	})
}

// Set stores value under key. The value must be JSON-encodable.
func (n *Namespace) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s.%s: %w", n.name, key, err)
	}
	return n.guard(ctx, key, func() error {
		var resp namespaceResponse
		return n.c.invoke(ctx, "NamespaceSet", &namespaceRequest{Namespace: n.name, Key: key, Value: raw}, &resp)
	})
}

// Delete removes key. Deleting a missing key returns ErrKeyNotFound.
func (n *Namespace) Delete(ctx context.Context, key string) error {
	return n.guard(ctx, key, func() error {
		var resp namespaceResponse
		if err := n.c.invoke(ctx, "NamespaceDelete", &namespaceRequest{Namespace: n.name, Key: key}, &resp); err != nil {
			return err
		}
		if !resp.Found {
			return fmt.Errorf("%w: %s.%s", ErrKeyNotFound, n.name, key)
		}
		return nil
	})
}

// Keys lists the stored keys in sorted order.
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := n.guard(ctx, "", func() error {
		var resp namespaceResponse
		if err := n.c.invoke(ctx, "NamespaceKeys", &namespaceRequest{Namespace: n.name}, &resp); err != nil {
			return err
		}
		keys = resp.Keys
		return nil
	})
	return keys, err
}

// Update runs fn while holding the namespace mutex. Get, Set and Delete
// called from fn on the same handle join the held lock.
func (n *Namespace) Update(ctx context.Context, fn func(ctx context.Context) error) error {
	return locks.Do(ctx, n.mu, 0, func() error {
		return fn(ctx)
	})
}

// Lock acquires the namespace mutex. Each Lock must be paired with Unlock.
func (n *Namespace) Lock(ctx context.Context) error {
	return n.mu.Acquire(ctx, 0)
}

// Unlock releases one level of the namespace mutex.
func (n *Namespace) Unlock(ctx context.Context) error {
	return n.mu.Release(ctx)
}

// guard runs fn under the namespace mutex unless key is private.
func (n *Namespace) guard(ctx context.Context, key string, fn func() error) error {
	if IsPrivateKey(key) {
		return fn()
	}
	return locks.Do(ctx, n.mu, 0, fn)
}

// IsPrivateKey reports whether key bypasses the namespace mutex.
func IsPrivateKey(key string) bool {
	return strings.HasPrefix(key, PrivatePrefix)
}

// Field is a typed accessor for one namespace key.
type Field[T any] struct {
	ns  *Namespace
	key string
}

// NewField binds key of ns to type T.
func NewField[T any](ns *Namespace, key string) Field[T] {
	return Field[T]{ns: ns, key: key}
}

// Get returns the stored value.
func (f Field[T]) Get(ctx context.Context) (T, error) {
	var v T
	err := f.ns.Get(ctx, f.key, &v)
	return v, err
}

// GetOr returns the stored value, or def when the key is unset.
func (f Field[T]) GetOr(ctx context.Context, def T) (T, error) {
	v, err := f.Get(ctx)
	if errors.Is(err, ErrKeyNotFound) {
		return def, nil
	}
	return v, err
}

// Set stores v.
func (f Field[T]) Set(ctx context.Context, v T) error {
	return f.ns.Set(ctx, f.key, v)
}

// Modify applies fn to the current value (the zero value when unset) and
// stores the result, atomically with respect to other namespace handles.
func (f Field[T]) Modify(ctx context.Context, fn func(T) T) (T, error) {
	var out T
	err := f.ns.Update(ctx, func(ctx context.Context) error {
		var zero T
		cur, err := f.GetOr(ctx, zero)
		if err != nil {
			return err
		}
		out = fn(cur)
		return f.Set(ctx, out)
	})
	return out, err
}
