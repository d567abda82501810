package experiment

import (
	"context"
	"fmt"
	"os"

	"github.com/nerrad567/benchrig/internal/device"
	"github.com/nerrad567/benchrig/internal/process"
	"github.com/nerrad567/benchrig/internal/shm"
)

// Environment handed from the supervisor to its worker.
const (
	EnvExperiment = "BENCHRIG_EXPERIMENT"
	EnvOutputPath = "BENCHRIG_OUTPUT_PATH"
	EnvServer     = "BENCHRIG_SHM_ADDRESS"
	EnvRunID      = "BENCHRIG_RUN_ID"
)

// IsWorker reports whether this process was started by a Supervisor. The
// binary's main (or a test's TestMain) checks it first and, when true, exits
// with RunWorker's code instead of doing anything else.
func IsWorker() bool {
	return process.IsChild() && os.Getenv(EnvExperiment) != ""
}

// RunWorker runs the experiment named by the environment and returns the
// process exit code.
//
// The hooks run with a fresh device cache that is cleared once they return,
// whether they return normally, with an error, by panicking, or because the
// supervisor asked the worker to stop. A failure is stored on the shared
// memory server for the supervisor to pick up.
func RunWorker(ctx context.Context, logger Logger) int {
	if logger == nil {
		logger = noopLogger{}
	}
	if !IsWorker() {
		fmt.Fprintln(os.Stderr, ErrNotWorker)
		return process.ExitFailure
	}

	env := &Env{
		Name:       os.Getenv(EnvExperiment),
		RunID:      os.Getenv(EnvRunID),
		OutputPath: os.Getenv(EnvOutputPath),
		Logger:     logger,
	}

	client, err := shm.Connect(ctx, os.Getenv(EnvServer))
	if err != nil {
		return process.RunChild(ctx, nil, func(context.Context) error {
			return fmt.Errorf("connecting to shared memory server: %w", err)
		})
	}
	defer client.Close()
	client.SetLogger(logger)
	env.Shared = client

	return process.RunChild(ctx, client, func(ctx context.Context) error {
		factory, err := Lookup(env.Name)
		if err != nil {
			return err
		}
		exp := factory()

		env.Devices = device.NewCache()
		env.Devices.SetLogger(logger)
		defer env.Devices.Clear()

		logger.Info("worker started",
			"experiment", env.Name,
			"run_id", env.RunID,
			"pid", os.Getpid(),
		)
		return runHooks(ctx, exp, env)
	})
}
