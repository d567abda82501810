package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nerrad567/benchrig/internal/experiment"
	"github.com/nerrad567/benchrig/internal/shm"
)

const (
	heartbeatName      = "heartbeat"
	envHeartbeatBeats  = "BENCHRIG_HEARTBEAT_BEATS"
	defaultBeats       = 10
	heartbeatInterval  = 500 * time.Millisecond
	heartbeatNamespace = "heartbeat"
)

func init() {
	experiment.MustRegister(heartbeatName, func() experiment.Experiment {
		return &heartbeat{beats: defaultBeats}
	})
}

// heartbeat is the built-in experiment. It increments a counter keyed by run
// ID in the "heartbeat" namespace once per interval and writes a summary to
// the output directory.
type heartbeat struct {
	experiment.Base
	beats int
	last  int
}

func (h *heartbeat) PreExperiment(_ context.Context, _ *experiment.Env) error {
	v := os.Getenv(envHeartbeatBeats)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid %s %q", envHeartbeatBeats, v)
	}
	h.beats = n
	return nil
}

func (h *heartbeat) Run(ctx context.Context, env *experiment.Env) error {
	ns, err := env.Shared.Namespace(ctx, heartbeatNamespace)
	if err != nil {
		return err
	}
	counter := shm.NewField[int](ns, env.RunID)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range h.beats {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := counter.Modify(ctx, func(n int) int { return n + 1 })
		if err != nil {
			return err
		}
		h.last = n
		env.Logger.Debug("heartbeat", "beat", n)
	}
	return nil
}

func (h *heartbeat) PostExperiment(_ context.Context, env *experiment.Env) error {
	summary, err := json.Marshal(map[string]any{
		"run_id": env.RunID,
		"beats":  h.last,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(env.OutputPath, "heartbeat.json"), summary, 0o600)
}
