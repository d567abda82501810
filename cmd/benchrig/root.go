package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/benchrig/internal/infrastructure/config"
	"github.com/nerrad567/benchrig/internal/infrastructure/logging"
)

// app carries what every command needs once the configuration is loaded.
type app struct {
	configPath string
	cfg        *config.Config
	log        *logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "benchrig",
		Short: "Supervise lab experiments and host their shared state",
		Long: `benchrig runs registered experiments in supervised worker processes,
gates and monitors them with safety tests, and hosts the shared memory
server (mutexes, barriers and namespaces) those processes share.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", getConfigPath(), "config file")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newInspectCmd(a),
		newRunsCmd(a),
		newWatchCmd(a),
	)
	return root
}

// load reads the configuration (defaults when the file is missing) and
// builds the logger.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.LoadOrDefault(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.cfg = cfg
	a.log = logging.New(cfg.Logging, version, roleFor(cmd))
	a.log.Debug("configuration loaded", "path", a.configPath)
	return nil
}

func roleFor(cmd *cobra.Command) string {
	if cmd.Name() == "serve" {
		return logging.RoleServer
	}
	return logging.RoleSupervisor
}
