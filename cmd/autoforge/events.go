package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/grpc"
)

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		addr  string
		types []string
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream orchestrator events from a running server",
		Long: `Print orchestrator events from a running "autoforge serve" as JSON lines
until interrupted. Use --type to keep only some event types, for example
--type campaign.completed,artifact.degraded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.cfg.GRPC.Addr
			}

			client, err := grpc.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = client.WatchEvents(cmd.Context(), types, func(ev grpc.Event) error {
				return enc.Encode(ev)
			})
			if errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from config)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "only these event types")

	return cmd
}
