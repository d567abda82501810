package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nerrad567/benchrig/internal/api"
	"github.com/nerrad567/benchrig/internal/runlog"
	"github.com/nerrad567/benchrig/internal/shm"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a standalone shared memory server",
		Long: `serve hosts the shared memory server until interrupted. Supervisors
started with start_server disabled attach to it, and it outlives any
single experiment run. With http.enabled it also serves the status API
and Prometheus metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := shm.Start(ctx, shm.Config{
		Address:        a.cfg.Server.Address(),
		LockTimeout:    a.cfg.Locks.DefaultTimeout,
		BarrierTimeout: a.cfg.Locks.DefaultTimeout,
		Registerer:     reg,
		Logger:         a.log.Component("shm"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Shutdown(); err != nil {
			a.log.Error("error stopping shared memory server", "error", err)
		}
	}()
	a.log.Info("shared memory server listening", "address", srv.Addr(), "server_id", srv.ID())

	if a.cfg.HTTP.Enabled {
		deps := api.Deps{
			Listen:   a.cfg.HTTP.Listen,
			Logger:   a.log.Component("api"),
			Shared:   srv,
			Gatherer: reg,
			Version:  version,
		}
		if a.cfg.Database.Enabled {
			store, err := runlog.Open(ctx, a.cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			deps.Runs = store
		}

		apiServer, err := api.New(deps)
		if err != nil {
			return err
		}
		if err := apiServer.Start(ctx); err != nil {
			return err
		}
		defer apiServer.Close()
	}

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case <-srv.Done():
	}
	return nil
}
