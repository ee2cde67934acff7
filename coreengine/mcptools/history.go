package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/cycle"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/history"
)

// HistoryReader is the read side of the cycle history.
type HistoryReader interface {
	List(ctx context.Context, f history.Filter) ([]cycle.CycleResult, error)
	Stats(ctx context.Context) (history.Stats, error)
}

// HistoryTool handles cycle_history.
type HistoryTool struct {
	history HistoryReader
}

// NewHistoryTool creates a HistoryTool.
func NewHistoryTool(h HistoryReader) *HistoryTool {
	return &HistoryTool{history: h}
}

// Definition returns the MCP tool definition for cycle_history.
func (t *HistoryTool) Definition() mcp.Tool {
	return mcp.NewTool("cycle_history",
		mcp.WithDescription(
			"Recent modification cycles, newest first, with the gate that stopped each failed one. Set summary=true for totals per outcome instead.",
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("target",
			mcp.Description("Only cycles against this target"),
		),
		mcp.WithString("outcome",
			mcp.Description("Only this outcome"),
			mcp.Enum(
				string(cycle.OutcomePromoted),
				string(cycle.OutcomeRevertedLocal),
				string(cycle.OutcomeRevertedToBackup),
				string(cycle.OutcomeFailed),
			),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum cycles to return"),
			mcp.DefaultNumber(10),
			mcp.Min(1),
			mcp.Max(200),
		),
		mcp.WithBoolean("summary",
			mcp.Description("Return totals instead of cycles"),
		),
	)
}

// Handle processes the cycle_history tool call.
func (t *HistoryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := argsOf(req)
	summary, err := args.Bool("summary", false)
	if err != nil {
		return errorResult("history", err), nil
	}
	if summary {
		st, err := t.history.Stats(ctx)
		if err != nil {
			return errorResult("history", err), nil
		}
		return jsonResult(st)
	}

	var f history.Filter
	if f.Target, err = args.String("target"); err != nil {
		return errorResult("history", err), nil
	}
	outcome, err := args.String("outcome")
	if err != nil {
		return errorResult("history", err), nil
	}
	f.Outcome = cycle.Outcome(outcome)
	if f.Limit, err = args.Int("limit", 10); err != nil {
		return errorResult("history", err), nil
	}

	cycles, err := t.history.List(ctx, f)
	if err != nil {
		return errorResult("history", err), nil
	}
	if len(cycles) == 0 {
		return mcp.NewToolResultText("No cycles recorded."), nil
	}

	var sb strings.Builder
	sb.WriteString("## Recent Cycles\n\n")
	for _, c := range cycles {
		fmt.Fprintf(&sb, "- **%s** %s `%s`", c.CycleID, c.Outcome, c.Target)
		if c.FailedGate != "" {
			fmt.Fprintf(&sb, " (failed at %s: %s)", c.FailedGate, c.FailureReason)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultStructured(map[string]any{"cycles": cycles, "count": len(cycles)}, sb.String()), nil
}
