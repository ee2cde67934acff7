package cycle

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StopReason explains why a campaign ended.
type StopReason string

const (
	StopPromoted            StopReason = "promoted"
	StopRestartRequired     StopReason = "restart_required"
	StopNoImprovement       StopReason = "no_improvement"
	StopMaxCycles           StopReason = "max_cycles"
	StopConsecutiveFailures StopReason = "consecutive_failures"
	StopCancelled           StopReason = "cancelled"
	StopDegraded            StopReason = "artifact_degraded"
)

// CampaignResult aggregates the cycles of one RunCampaign call.
type CampaignResult struct {
	Target          string        `json:"target"`
	IsSelfTarget    bool          `json:"is_self_target"`
	Cycles          []CycleResult `json:"cycles"`
	StopReason      StopReason    `json:"stop_reason"`
	Promotions      int           `json:"promotions"`
	RequiresRestart bool          `json:"requires_restart"`
	DurationMS      int64         `json:"duration_ms"`
}

// Succeeded reports whether at least one cycle was promoted.
func (c CampaignResult) Succeeded() bool { return c.Promotions > 0 }

// Last returns the final cycle, or nil if none ran.
func (c CampaignResult) Last() *CycleResult {
	if len(c.Cycles) == 0 {
		return nil
	}
	return &c.Cycles[len(c.Cycles)-1]
}

// ArtifactState is the artifact state after the final cycle.
func (c CampaignResult) ArtifactState() ArtifactState {
	if last := c.Last(); last != nil {
		return last.ArtifactState
	}
	return StateUnchanged
}

// RunCampaign runs up to maxCycles cycles against target, feeding each
// cycle's analysis and outcome into the next. It stops early after a
// promotion (unless configured to continue), when the generator has no
// further improvement, after too many consecutive Failed cycles, when the
// artifact is left in an unknown state, or on cancellation.
func (e *Engine) RunCampaign(ctx context.Context, target, suggestionContext string, maxCycles int) CampaignResult {
	target = NormalizeTarget(target)
	isSelf := e.policy.IsSelfTarget(target)
	start := time.Now()

	if maxCycles < 1 {
		maxCycles = 1
	}

	out := CampaignResult{Target: target, IsSelfTarget: isSelf, StopReason: StopMaxCycles}
	consecutiveFailures := 0
	prompt := suggestionContext

	for i := 1; i <= maxCycles; i++ {
		res := e.RunCycle(ctx, target, prompt, isSelf)
		out.Cycles = append(out.Cycles, res)

		if res.Outcome == OutcomePromoted {
			out.Promotions++
		}
		if res.RequiresRestart {
			out.RequiresRestart = true
		}
		if res.Outcome == OutcomeFailed {
			consecutiveFailures++
		} else {
			consecutiveFailures = 0
		}

		if stop, reason := e.shouldStop(res, consecutiveFailures); stop {
			out.StopReason = reason
			break
		}
		prompt = nextContext(suggestionContext, i, res)
	}

	out.DurationMS = time.Since(start).Milliseconds()
	e.logger.Info("campaign_finished",
		"target", target,
		"cycles", len(out.Cycles),
		"promotions", out.Promotions,
		"stop_reason", string(out.StopReason),
	)
	return out
}

func (e *Engine) shouldStop(res CycleResult, consecutiveFailures int) (bool, StopReason) {
	switch {
	case res.FailedGate == GateCancelled:
		return true, StopCancelled
	case res.ArtifactState == StateUnknown:
		return true, StopDegraded
	case res.RequiresRestart:
		return true, StopRestartRequired
	case res.Outcome == OutcomePromoted && !e.opts.ContinueAfterPromotion:
		return true, StopPromoted
	case res.NoImprovement:
		return true, StopNoImprovement
	case consecutiveFailures >= e.opts.MaxConsecutiveFailures:
		return true, StopConsecutiveFailures
	}
	return false, ""
}

// nextContext appends the previous cycle's analysis and outcome to the
// original suggestion.
func nextContext(original string, n int, prev CycleResult) string {
	var b strings.Builder
	b.WriteString(original)
	if original != "" {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Previous cycle #%d: outcome %s", n, prev.Outcome)
	if prev.FailedGate != "" {
		fmt.Fprintf(&b, ", stopped at %s gate: %s", prev.FailedGate, prev.FailureReason)
	}
	if prev.CritiqueScore != nil {
		fmt.Fprintf(&b, ", critique score %.2f", *prev.CritiqueScore)
		if prev.CritiqueJustification != "" {
			fmt.Fprintf(&b, " (%s)", prev.CritiqueJustification)
		}
	}
	if prev.AnalysisText != "" {
		fmt.Fprintf(&b, ".\nPrevious proposal: %s", prev.AnalysisText)
	}
	return b.String()
}
