package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/cycle"
)

// RunCycleOptions holds flags for the run-cycle command.
type RunCycleOptions struct {
	*RootOptions
	Context           string
	MaxCycles         int
	SelfTestTimeout   float64
	CritiqueThreshold float64
}

// NewRunCycleCommand creates the run-cycle command.
func NewRunCycleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunCycleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run-cycle <target>",
		Short: "Run a modification campaign against one target",
		Long: `Run up to --max-cycles modification cycles against target. Each cycle
analyzes, implements, runs the syntax, self-test and critique gates, then
promotes or reverts. The campaign stops early after a promotion, when the
generator has nothing left to improve, or after repeated failures.

Exits 0 when at least one cycle was promoted, 1 otherwise. The data field
holds the campaign result, including the gate each failed cycle stopped at
and what the artifact holds now.

Example:
  autoforge run-cycle moduleA.go --context "reduce allocations" --output-json
  autoforge run-cycle bin/agent --self-test-timeout 300 --critique-threshold 0.7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Context, "context", "", "suggestion passed to the generator")
	cmd.Flags().IntVar(&opts.MaxCycles, "max-cycles", 0, "maximum cycles (default from config)")
	cmd.Flags().Float64Var(&opts.SelfTestTimeout, "self-test-timeout", 0, "self-test timeout in seconds (default from config)")
	cmd.Flags().Float64Var(&opts.CritiqueThreshold, "critique-threshold", 0, "minimum critique score to promote (default from config)")

	return cmd
}

func runCycle(cmd *cobra.Command, opts *RunCycleOptions, target string) error {
	out := cmd.OutOrStdout()

	a, err := newApp(cmd, opts.RootOptions)
	if err != nil {
		return emit(out, failure(err), opts.OutputJSON)
	}
	defer a.Close()

	flags := cmd.Flags()
	if flags.Changed("max-cycles") {
		a.cfg.Cycle.MaxCycles = opts.MaxCycles
	}
	if flags.Changed("self-test-timeout") {
		a.cfg.Cycle.SelfTestTimeout = time.Duration(opts.SelfTestTimeout * float64(time.Second))
	}
	if flags.Changed("critique-threshold") {
		a.cfg.Cycle.CritiqueThreshold = opts.CritiqueThreshold
	}
	if err := a.cfg.Validate(); err != nil {
		return emit(out, failure(err), opts.OutputJSON)
	}

	engine, err := a.newEngine(true)
	if err != nil {
		return emit(out, failure(err), opts.OutputJSON)
	}

	res := engine.RunCampaign(cmd.Context(), target, opts.Context, a.cfg.Cycle.MaxCycles)
	return emit(out, campaignResult(res), opts.OutputJSON)
}

// campaignResult wraps a campaign in the CLI envelope.
func campaignResult(res cycle.CampaignResult) Result {
	if res.Succeeded() {
		msg := "promoted"
		if res.RequiresRestart {
			msg = "promoted; restart required"
		}
		return success(msg, res)
	}
	msg := fmt.Sprintf("campaign stopped: %s", res.StopReason)
	if last := res.Last(); last != nil && last.FailedGate != "" {
		msg = fmt.Sprintf("%s (last cycle failed at %s, artifact %s)", msg, last.FailedGate, last.ArtifactState)
	}
	return Result{Status: StatusError, Message: msg, Data: res}
}
