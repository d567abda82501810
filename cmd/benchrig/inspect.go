package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nerrad567/benchrig/internal/shm"
)

func newInspectCmd(a *app) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect the shared memory server",
	}
	cmd.PersistentFlags().StringVar(&address, "address", "", "server address (default from config)")

	connect := func(ctx context.Context) (*shm.Client, error) {
		addr := address
		if addr == "" {
			addr = a.cfg.Server.Address()
		}
		return shm.Connect(ctx, addr)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "List the objects the server hosts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				client, err := connect(cmd.Context())
				if err != nil {
					return err
				}
				defer client.Close()

				stats, err := client.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			},
		},
		&cobra.Command{
			Use:   "namespace <name> [key]",
			Short: "List the keys of a namespace or print one value",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				client, err := connect(ctx)
				if err != nil {
					return err
				}
				defer client.Close()

				ns, err := client.Namespace(ctx, args[0])
				if err != nil {
					return err
				}
				if len(args) == 1 {
					keys, err := ns.Keys(ctx)
					if err != nil {
						return err
					}
					for _, k := range keys {
						fmt.Fprintln(cmd.OutOrStdout(), k)
					}
					return nil
				}

				var v json.RawMessage
				if err := ns.Get(ctx, args[1], &v); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), v)
			},
		},
		&cobra.Command{
			Use:   "exception <pid>",
			Short: "Print the failure a worker stored on the server",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pid, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid pid %q", args[0])
				}
				client, err := connect(cmd.Context())
				if err != nil {
					return err
				}
				defer client.Close()

				env, ok, err := client.GetException(cmd.Context(), pid)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no exception stored for pid %d", pid)
				}
				return printJSON(cmd.OutOrStdout(), env)
			},
		},
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
