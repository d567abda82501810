package experiment

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nerrad567/benchrig/internal/device"
	"github.com/nerrad567/benchrig/internal/shm"
)

// Experiment is the body of a run. Its hooks execute only inside the worker
// process, in order, stopping at the first error.
type Experiment interface {
	PreExperiment(ctx context.Context, env *Env) error
	Run(ctx context.Context, env *Env) error
	PostExperiment(ctx context.Context, env *Env) error
}

// Base provides no-op hooks. Embed it and override what the experiment needs.
type Base struct{}

func (Base) PreExperiment(context.Context, *Env) error  { return nil }
func (Base) Run(context.Context, *Env) error            { return nil }
func (Base) PostExperiment(context.Context, *Env) error { return nil }

// Factory builds a fresh Experiment inside the worker.
type Factory func() Experiment

// Env is what a running experiment gets from the worker.
type Env struct {
	// Name is the registered experiment name.
	Name string

	// RunID identifies this run across the supervisor, worker and sinks.
	RunID string

	// OutputPath is the run's output directory. It exists before any hook runs.
	OutputPath string

	// Devices owns every hardware handle of the run. The worker clears it
	// after the hooks return, however they return.
	Devices *device.Cache

	// Shared is the worker's connection to the shared memory server.
	Shared *shm.Client

	Logger Logger
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an experiment available to workers under name. It is meant
// to be called from init functions of the binary that runs experiments.
func Register(name string, factory Factory) error {
	if name == "" {
		return ErrInvalidName
	}
	if factory == nil {
		return fmt.Errorf("%w: nil factory for %q", ErrInvalidName, name)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	registry[name] = factory
	return nil
}

// MustRegister is Register that panics on error.
func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExperiment, name)
	}
	return factory, nil
}

// Registered returns the registered experiment names, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// runHooks runs the three hooks in order.
func runHooks(ctx context.Context, exp Experiment, env *Env) error {
	env.Logger.Info("pre-experiment", "experiment", env.Name)
	if err := exp.PreExperiment(ctx, env); err != nil {
		return err
	}

	env.Logger.Info("experiment running", "experiment", env.Name)
	if err := exp.Run(ctx, env); err != nil {
		return err
	}

	env.Logger.Info("post-experiment", "experiment", env.Name)
	return exp.PostExperiment(ctx, env)
}
