package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/cycle"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/history"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		f       history.Filter
		outcome string
		stats   bool
	)

	cmd := &cobra.Command{
		Use:   "history [target]",
		Short: "List recorded cycles, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			a, err := newApp(cmd, rootOpts)
			if err != nil {
				return emit(out, failure(err), rootOpts.OutputJSON)
			}
			defer a.Close()

			store, err := a.openHistory()
			if err != nil {
				return emit(out, failure(err), rootOpts.OutputJSON)
			}

			if stats {
				st, err := store.Stats(cmd.Context())
				if err != nil {
					return emit(out, failure(err), rootOpts.OutputJSON)
				}
				return emit(out, success(fmt.Sprintf("%d cycles across %d targets", st.Total, st.Targets), st), rootOpts.OutputJSON)
			}

			if len(args) == 1 {
				f.Target = cycle.NormalizeTarget(args[0])
			}
			f.Outcome = cycle.Outcome(outcome)
			cycles, err := store.List(cmd.Context(), f)
			if err != nil {
				return emit(out, failure(err), rootOpts.OutputJSON)
			}
			if cycles == nil {
				cycles = []cycle.CycleResult{}
			}
			return emit(out, success(fmt.Sprintf("%d cycles", len(cycles)), cycles), rootOpts.OutputJSON)
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", "", "only this outcome (Promoted, RevertedLocal, RevertedToBackup, Failed)")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum cycles to list")
	cmd.Flags().BoolVar(&stats, "stats", false, "print totals per outcome instead")

	return cmd
}

// NewBackupsCommand creates the backups command.
func NewBackupsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backups <target>",
		Short: "List the backups of a target, most recent first",
		Long: `List the backups recorded for target, most recent first. The position in
the list is the N accepted by "rollback <target> N".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			a, err := newApp(cmd, rootOpts)
			if err != nil {
				return emit(out, failure(err), rootOpts.OutputJSON)
			}
			defer a.Close()

			store, err := a.openBackups()
			if err != nil {
				return emit(out, failure(err), rootOpts.OutputJSON)
			}
			target := cycle.NormalizeTarget(args[0])
			records, err := store.List(target)
			if err != nil {
				return emit(out, failure(err), rootOpts.OutputJSON)
			}
			return emit(out, success(fmt.Sprintf("%d backups of %s", len(records), target), records), rootOpts.OutputJSON)
		},
	}
}
