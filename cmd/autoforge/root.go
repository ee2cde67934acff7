package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	StateDir   string
	Root       string
	LogLevel   string
	OutputJSON bool
	SelfTest   bool
}

// NewRootCommand creates the root command for the autoforge CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "autoforge",
		Short: "Gated, reversible modification cycles over project artifacts",
		Long: `autoforge turns change requests into verified modifications: each cycle
snapshots the target, asks a generator for a replacement, runs syntax,
self-test and critique gates, and either promotes the change with a backup
or puts the artifact back exactly as it was.

Every command except serve and mcp prints one JSON object to stdout:
{"status": "success"|"error", "message": ..., "data": ...}.
Logs go to stderr.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.SelfTest {
				return runSelfTest(cmd, opts)
			}
			return cmd.Help()
		},
	}

	root := os.Getenv("AUTOFORGE_ROOT")
	if root == "" {
		root = "."
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", os.Getenv("AUTOFORGE_CONFIG"), "config file (default .autoforge/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.StateDir, "state-dir", "", "state directory (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", root, "project root that targets are relative to")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	cmd.PersistentFlags().BoolVar(&opts.OutputJSON, "output-json", false, "print the result as a single JSON line")
	cmd.Flags().BoolVar(&opts.SelfTest, "self-test", false, "run the self-test and exit")

	cmd.AddCommand(NewRunCycleCommand(opts))
	cmd.AddCommand(NewRollbackCommand(opts))
	cmd.AddCommand(NewSelfTestCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMCPCommand(opts))
	cmd.AddCommand(NewBacklogCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewBackupsCommand(opts))

	return cmd
}
