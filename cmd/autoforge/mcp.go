package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/mcptools"
)

// MCPOptions holds flags for the mcp command.
type MCPOptions struct {
	*RootOptions
	Loop      bool
	InProcess bool
}

// NewMCPCommand creates the mcp command.
func NewMCPCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MCPOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the backlog and cycle history as MCP tools over stdio",
		Long: `Speak the Model Context Protocol on stdin/stdout so an assistant can
enqueue change requests, inspect the backlog and cycle history, and
approve, reject, requeue or process items.

Do not run this alongside "serve" on the same state directory; use the
gRPC control surface to reach a running server instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Loop, "loop", false, "also run the orchestrator loop in the background")
	cmd.Flags().BoolVar(&opts.InProcess, "in-process", false, "run cycles inside this process instead of child processes")

	return cmd
}

func runMCP(cmd *cobra.Command, opts *MCPOptions) error {
	a, err := newApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.newRunner(opts.InProcess)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	coord, err := a.newCoordinator(ctx, runner, a.newBus())
	if err != nil {
		return err
	}
	hist, err := a.openHistory()
	if err != nil {
		return err
	}

	s := mcptools.NewServer(coord, hist, version)
	a.logger.Info("mcp_server_starting", "version", version, "loop", opts.Loop)

	g, ctx := errgroup.WithContext(ctx)
	if opts.Loop {
		g.Go(func() error {
			return coord.Run(ctx)
		})
	}
	g.Go(func() error {
		// Stdin closing ends the session and stops the loop with it.
		defer cancel()
		return mcptools.Serve(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
