package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/config"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/syntax"
)

// selfTestProbe is checked with the Go syntax gate; a binary whose
// registry cannot parse it is not fit to promote.
const selfTestProbe = "package probe\n\nfunc ok() bool { return true }\n"

// SelfTestReport is the data of a self-test result.
type SelfTestReport struct {
	Version string   `json:"version"`
	Checks  []string `json:"checks"`
}

// NewSelfTestCommand creates the self-test command. The root --self-test
// flag runs the same checks.
func NewSelfTestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "self-test",
		Short: "Check that this binary can load its configuration and run its gates",
		Long: `Run the checks a candidate build must pass before it replaces the live
binary. Prints {"status":"success",...} and exits 0 when they pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelfTest(cmd, rootOpts)
		},
	}
}

func runSelfTest(cmd *cobra.Command, opts *RootOptions) error {
	// Always one line: the self-tester reads the last line of stdout.
	out := cmd.OutOrStdout()
	report := SelfTestReport{Version: version}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return emit(out, failure(fmt.Errorf("self-test: config: %w", err)), true)
	}
	report.Checks = append(report.Checks, "config")

	registry := syntax.DefaultRegistry(cfg.Syntax.Commands)
	if _, err := registry.Check(cmd.Context(), "probe.go", []byte(selfTestProbe)); err != nil {
		return emit(out, failure(fmt.Errorf("self-test: syntax gate: %w", err)), true)
	}
	report.Checks = append(report.Checks, "syntax")

	return emit(out, success("self-test passed", report), true)
}
