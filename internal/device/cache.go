package device

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Device is a hardware handle with scoped open/close semantics.
type Device interface {
	Open() error
	Close() error
}

// Factory builds an unopened device. The cache opens what it returns.
type Factory func() (Device, error)

// Logger defines the logging interface used by the Cache.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Cache owns open devices, keyed by a canonical name with optional aliases.
//
// A device obtained through the cache stays open for as long as it is
// present under its canonical key; Delete and Clear are what close it. Call
// sites that look up the same key share one open handle.
//
// All public methods are thread-safe.
type Cache struct {
	mu        sync.RWMutex
	factories map[string]Factory // canonical key → factory
	aliases   map[string]string  // alias → canonical key
	entries   map[string]Device  // canonical key → open device

	group  singleflight.Group
	logger Logger

	opens         int
	closeFailures int
}

// NewCache creates an empty device cache.
func NewCache() *Cache {
	return &Cache{
		factories: make(map[string]Factory),
		aliases:   make(map[string]string),
		entries:   make(map[string]Device),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the cache.
func (c *Cache) SetLogger(logger Logger) {
	c.logger = logger
}

// Link registers factory under key, reachable also through aliases.
//
// Linking a key again replaces its factory and adds the new aliases. An
// alias already linked to a different key, or that is itself another linked
// key, returns ErrAliasCollision and changes nothing.
func (c *Cache) Link(key string, factory Factory, aliases ...string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if factory == nil {
		return fmt.Errorf("%w: nil factory for %q", ErrInvalidDevice, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, ok := c.aliases[key]; ok {
		return fmt.Errorf("%w: %q is an alias of %q", ErrAliasCollision, key, owner)
	}
	for _, alias := range aliases {
		if alias == "" {
			return ErrInvalidKey
		}
		if alias == key {
			continue
		}
		if owner, ok := c.aliases[alias]; ok && owner != key {
			return fmt.Errorf("%w: %q already links to %q", ErrAliasCollision, alias, owner)
		}
		if c.isCanonical(alias) {
			return fmt.Errorf("%w: %q is a linked key", ErrAliasCollision, alias)
		}
	}

	c.factories[key] = factory
	for _, alias := range aliases {
		if alias != key {
			c.aliases[alias] = key
		}
	}

	c.logger.Debug("device linked", "key", key, "aliases", aliases)
	return nil
}

// isCanonical reports whether key has a factory or entry. c.mu must be held.
func (c *Cache) isCanonical(key string) bool {
	if _, ok := c.factories[key]; ok {
		return true
	}
	_, ok := c.entries[key]
	return ok
}

// canonical maps an alias to its key. c.mu must be held.
func (c *Cache) canonical(key string) string {
	if owner, ok := c.aliases[key]; ok {
		return owner
	}
	return key
}

// Get returns the open device for key or one of its aliases.
//
// On a miss the linked factory is called and its device opened and stored
// under the canonical key. Concurrent misses for the same key share one
// factory call. A key with neither entry nor factory returns
// ErrNotRegistered.
func (c *Cache) Get(key string) (Device, error) {
	c.mu.RLock()
	canonical := c.canonical(key)
	dev, ok := c.entries[canonical]
	factory, linked := c.factories[canonical]
	c.mu.RUnlock()

	if ok {
		return dev, nil
	}
	if !linked {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, key)
	}

	v, err, _ := c.group.Do(canonical, func() (any, error) {
		c.mu.RLock()
		dev, ok := c.entries[canonical]
		c.mu.RUnlock()
		if ok {
			return dev, nil
		}
		return c.instantiate(canonical, factory)
	})
	if err != nil {
		return nil, err
	}
	return v.(Device), nil
}

// instantiate builds, opens and stores the device for canonical.
func (c *Cache) instantiate(canonical string, factory Factory) (Device, error) {
	dev, err := factory()
	if err != nil {
		return nil, fmt.Errorf("creating device %q: %w", canonical, err)
	}
	if isNil(dev) {
		return nil, fmt.Errorf("%w: factory for %q returned nil", ErrInvalidDevice, canonical)
	}
	if err := dev.Open(); err != nil {
		return nil, fmt.Errorf("opening device %q: %w", canonical, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[canonical]; ok {
		// Set bound the key while the factory ran.
		go c.closeQuietly(canonical, dev)
		return existing, nil
	}
	c.entries[canonical] = dev
	c.opens++

	c.logger.Info("device opened", "key", canonical)
	return dev, nil
}

// Set binds dev to key, opening it.
//
// Binding the device already bound under key is a no-op. Binding a different
// device, or a device already bound under another key, returns ErrCollision.
func (c *Cache) Set(key string, dev Device) error {
	if key == "" {
		return ErrInvalidKey
	}
	if isNil(dev) {
		return fmt.Errorf("%w: nil device for %q", ErrInvalidDevice, key)
	}

	c.mu.RLock()
	canonical, err := c.checkBind(key, dev)
	c.mu.RUnlock()
	if err != nil || canonical == "" {
		return err
	}

	if err := dev.Open(); err != nil {
		return fmt.Errorf("opening device %q: %w", canonical, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check: another caller may have bound the key while dev opened.
	if _, err := c.checkBind(key, dev); err != nil {
		go c.closeQuietly(canonical, dev)
		return err
	}
	c.entries[canonical] = dev
	c.opens++

	c.logger.Info("device bound", "key", canonical, "via", key)
	return nil
}

// checkBind validates binding dev under key. It returns the canonical key to
// store under, or "" when dev is already bound there. c.mu must be held.
func (c *Cache) checkBind(key string, dev Device) (string, error) {
	canonical := c.canonical(key)

	if existing, ok := c.entries[canonical]; ok {
		if sameDevice(existing, dev) {
			return "", nil
		}
		if canonical != key {
			return "", fmt.Errorf("%w: alias %q of %q is bound to another device", ErrCollision, key, canonical)
		}
		return "", fmt.Errorf("%w: %q is bound to another device", ErrCollision, key)
	}

	for other, existing := range c.entries {
		if sameDevice(existing, dev) {
			return "", fmt.Errorf("%w: device already bound under %q", ErrCollision, other)
		}
	}
	return canonical, nil
}

// Contains reports whether key or its canonical key has an open device.
func (c *Cache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[c.canonical(key)]
	return ok
}

// Delete closes and removes the device under key's canonical key. Aliases
// stay linked and re-resolve through the factory on next access. A close
// failure is logged, never returned. Delete reports whether an entry existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	canonical := c.canonical(key)
	dev, ok := c.entries[canonical]
	delete(c.entries, canonical)
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.closeQuietly(canonical, dev)
	return true
}

// Clear closes and removes every entry and returns how many were removed.
//
// Every close is attempted regardless of earlier failures. Calling Clear on
// an empty cache is a no-op, so it is safe to call twice.
func (c *Cache) Clear() int {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]Device)
	c.mu.Unlock()

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		c.closeQuietly(k, entries[k])
	}

	if len(keys) > 0 {
		c.logger.Info("device cache cleared", "count", len(keys))
	}
	return len(keys)
}

// closeQuietly closes dev, logging errors and panics instead of returning them.
func (c *Cache) closeQuietly(key string, dev Device) {
	defer func() {
		if r := recover(); r != nil {
			c.recordCloseFailure()
			c.logger.Warn("device close panicked", "key", key, "panic", r)
		}
	}()

	if err := dev.Close(); err != nil {
		c.recordCloseFailure()
		c.logger.Warn("device close failed", "key", key, "error", err)
		return
	}
	c.logger.Debug("device closed", "key", key)
}

func (c *Cache) recordCloseFailure() {
	c.mu.Lock()
	c.closeFailures++
	c.mu.Unlock()
}

// Keys returns the canonical keys with open devices, sorted.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of open devices.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats contains cache statistics.
type Stats struct {
	Entries       int `json:"entries"`
	Factories     int `json:"factories"`
	Aliases       int `json:"aliases"`
	Opens         int `json:"opens"`
	CloseFailures int `json:"close_failures"`
}

// Stats returns current statistics for the cache.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Entries:       len(c.entries),
		Factories:     len(c.factories),
		Aliases:       len(c.aliases),
		Opens:         c.opens,
		CloseFailures: c.closeFailures,
	}
}

// sameDevice reports whether a and b are the same device instance.
// Devices of non-comparable dynamic types are never the same.
func sameDevice(a, b Device) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// isNil reports whether dev is nil or a typed nil pointer.
func isNil(dev Device) bool {
	if dev == nil {
		return true
	}
	v := reflect.ValueOf(dev)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
