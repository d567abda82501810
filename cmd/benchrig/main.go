// Command benchrig supervises lab experiments and hosts the shared memory
// server their processes coordinate through.
//
// The same binary is the worker: a supervisor re-executes it with the worker
// environment set, and main hands control to experiment.RunWorker before any
// command parsing happens.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/benchrig/internal/experiment"
	"github.com/nerrad567/benchrig/internal/infrastructure/config"
	"github.com/nerrad567/benchrig/internal/infrastructure/logging"
)

// Version information, set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/benchrig.yaml"

func main() {
	if experiment.IsWorker() {
		os.Exit(runWorker())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runWorker runs the experiment this process was spawned for. The worker
// installs its own signal handling so that a soft stop reaches the hooks.
func runWorker() int {
	cfg, err := config.LoadOrDefault(getConfigPath())
	if err != nil {
		cfg = config.Default()
	}
	log := logging.New(cfg.Logging, version, logging.RoleWorker)
	return experiment.RunWorker(context.Background(), log.Component("worker"))
}

// getConfigPath returns BENCHRIG_CONFIG when set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("BENCHRIG_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
