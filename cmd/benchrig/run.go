package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/benchrig/internal/experiment"
	"github.com/nerrad567/benchrig/internal/infrastructure/influxdb"
	"github.com/nerrad567/benchrig/internal/infrastructure/mqtt"
	"github.com/nerrad567/benchrig/internal/runlog"
	"github.com/nerrad567/benchrig/internal/safety"
)

const bytesPerMiB = 1 << 20

type runOptions struct {
	suffix     string
	outputRoot string
	minFreeMiB uint64
	env        []string
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <experiment>",
		Short: "Run a registered experiment under supervision",
		Long: `run checks the safety tests, creates the run's output directory and
starts the experiment in a worker process. While the worker runs the tests
are repeated; a test failing twice in a row stops the worker.

Registered experiments: ` + strings.Join(experiment.Registered(), ", "),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExperiment(cmd, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.suffix, "suffix", "", "suffix appended to the output directory name")
	flags.StringVar(&opts.outputRoot, "output-root", "", "override supervisor.output_root")
	flags.Uint64Var(&opts.minFreeMiB, "min-free-mib", 512, "free space required under the output root")
	flags.StringArrayVarP(&opts.env, "env", "e", nil, "KEY=VALUE passed to the worker (repeatable)")
	return cmd
}

func (a *app) runExperiment(cmd *cobra.Command, name string, opts runOptions) error {
	ctx := cmd.Context()

	if !slices.Contains(experiment.Registered(), name) {
		return fmt.Errorf("%w: %s", experiment.ErrUnknownExperiment, name)
	}

	cfg := experiment.FromConfig(name, a.cfg)
	cfg.Suffix = opts.suffix
	if opts.outputRoot != "" {
		cfg.OutputRoot = opts.outputRoot
	}
	cfg.Env = append(cfg.Env, "BENCHRIG_CONFIG="+a.configPath)
	cfg.Env = append(cfg.Env, opts.env...)
	cfg.Logger = a.log.Component("supervisor")

	if err := os.MkdirAll(cfg.OutputRoot, 0o750); err != nil {
		return fmt.Errorf("creating output root: %w", err)
	}
	cfg.SafetyTests = []safety.Test{
		safety.DiskSpace(cfg.OutputRoot, opts.minFreeMiB*bytesPerMiB),
	}

	recorders, closeAll, err := a.recorders(ctx)
	if err != nil {
		return err
	}
	defer closeAll()
	cfg.Recorder = recorders

	sup := experiment.New(cfg)
	err = sup.Start(ctx)

	run := sup.Run()
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", run.ID, run.State, run.OutputPath)
	return err
}

// recorders connects every enabled sink. The returned function closes them
// in reverse order.
func (a *app) recorders(ctx context.Context) (experiment.MultiRecorder, func(), error) {
	var (
		recs    experiment.MultiRecorder
		closers []func() error
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				a.log.Warn("error closing recorder", "error", err)
			}
		}
	}

	if a.cfg.Database.Enabled {
		store, err := runlog.Open(ctx, a.cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("opening run history: %w", err)
		}
		recs = append(recs, store)
		closers = append(closers, store.Close)
	}

	if a.cfg.MQTT.Enabled {
		client, err := mqtt.Connect(a.cfg.MQTT)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		client.SetLogger(a.log.Component("mqtt"))
		recs = append(recs, mqtt.NewEventRecorder(client))
		closers = append(closers, client.Close)
	}

	if a.cfg.InfluxDB.Enabled {
		client, err := influxdb.Connect(ctx, a.cfg.InfluxDB)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		client.SetOnError(func(err error) {
			a.log.Error("InfluxDB write error", "error", err)
		})
		recs = append(recs, influxdb.NewRecorder(client))
		closers = append(closers, client.Close)
	}

	return recs, closeAll, nil
}
