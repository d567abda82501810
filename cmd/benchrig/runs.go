package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/benchrig/internal/experiment"
	"github.com/nerrad567/benchrig/internal/runlog"
)

var errHistoryDisabled = errors.New("run history is disabled (database.enabled: false)")

func newRunsCmd(a *app) *cobra.Command {
	var limit int

	openStore := func(cmd *cobra.Command) (*runlog.Store, error) {
		if !a.cfg.Database.Enabled {
			return nil, errHistoryDisabled
		}
		return runlog.Open(cmd.Context(), a.cfg.Database)
	}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded experiment runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tEXPERIMENT\tSTATE\tSTARTED\tDURATION")
			for _, r := range runs {
				duration := "-"
				if !r.FinishedAt.IsZero() {
					duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Experiment, r.State, r.StartedAt.Local().Format(time.DateTime), duration)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", runlog.DefaultListLimit, "maximum number of runs")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one run and its safety checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			checks, err := store.Checks(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Run    experiment.Run `json:"run"`
				Checks []runlog.Check `json:"checks"`
			}{run, checks})
		},
	})
	return cmd
}
