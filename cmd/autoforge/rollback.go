package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// RollbackOptions holds flags for the rollback command.
type RollbackOptions struct {
	*RootOptions
	Reason string
}

// NewRollbackCommand creates the rollback command.
func NewRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RollbackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rollback <target> [N]",
		Short: "Restore a target from its Nth most recent backup",
		Long: `Restore target from its Nth most recent backup (1 = most recent, the
default). The current content is backed up first, so a rollback can itself
be undone with "rollback <target> 1".`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 1
			if len(args) == 2 {
				v, err := strconv.Atoi(args[1])
				if err != nil || v < 1 {
					return emit(cmd.OutOrStdout(), failure(fmt.Errorf("N must be a positive integer, got %q", args[1])), opts.OutputJSON)
				}
				n = v
			}
			return runRollback(cmd, opts, args[0], n)
		},
	}

	cmd.Flags().StringVar(&opts.Reason, "reason", "operator", "reason recorded with the pre-rollback backup")

	return cmd
}

func runRollback(cmd *cobra.Command, opts *RollbackOptions, target string, n int) error {
	out := cmd.OutOrStdout()

	a, err := newApp(cmd, opts.RootOptions)
	if err != nil {
		return emit(out, failure(err), opts.OutputJSON)
	}
	defer a.Close()

	engine, err := a.newEngine(false)
	if err != nil {
		return emit(out, failure(err), opts.OutputJSON)
	}

	res, err := engine.RollbackToNthBackup(cmd.Context(), target, n, opts.Reason)
	if err != nil {
		return emit(out, failure(fmt.Errorf("rollback %s to backup #%d: %w", target, n, err)), opts.OutputJSON)
	}
	return emit(out, success(fmt.Sprintf("restored %s from %s", res.ArtifactID, res.RestoredFrom.ID), res), opts.OutputJSON)
}
