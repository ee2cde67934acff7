package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/kernel"
)

// DefaultSource tags change requests enqueued through MCP without a source.
const DefaultSource = "mcp"

// ─── EnqueueTool ────────────────────────────────────────────────────────────

// EnqueueTool handles backlog_enqueue.
type EnqueueTool struct {
	controller kernel.Controller
}

// NewEnqueueTool creates an EnqueueTool.
func NewEnqueueTool(controller kernel.Controller) *EnqueueTool {
	return &EnqueueTool{controller: controller}
}

// Definition returns the MCP tool definition for backlog_enqueue.
func (t *EnqueueTool) Definition() mcp.Tool {
	return mcp.NewTool("backlog_enqueue",
		mcp.WithDescription(
			"Add a change request for a target artifact. Critical targets wait for operator approval before they run.",
		),
		mcp.WithString("target",
			mcp.Required(),
			mcp.Description("Artifact path relative to the project root"),
		),
		mcp.WithString("suggestion",
			mcp.Description("What to improve; passed to the generator as context"),
		),
		mcp.WithNumber("priority",
			mcp.Description("Higher runs first"),
			mcp.DefaultNumber(0),
		),
		mcp.WithString("source",
			mcp.Description("Who asked for the change"),
		),
	)
}

// Handle processes the backlog_enqueue tool call.
func (t *EnqueueTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := argsOf(req)
	target, err := args.RequireString("target")
	if err != nil {
		return errorResult("enqueue", err), nil
	}
	suggestion, err := args.String("suggestion")
	if err != nil {
		return errorResult("enqueue", err), nil
	}
	priority, err := args.Int("priority", 0)
	if err != nil {
		return errorResult("enqueue", err), nil
	}
	source, err := args.String("source")
	if err != nil {
		return errorResult("enqueue", err), nil
	}
	if source == "" {
		source = DefaultSource
	}

	item, err := t.controller.Enqueue(ctx, backlog.Submission{
		Target:     target,
		Suggestion: suggestion,
		Priority:   priority,
		Source:     source,
	})
	if err != nil {
		return errorResult("enqueue", err), nil
	}
	return jsonResult(item)
}

// ─── ListTool ───────────────────────────────────────────────────────────────

// ListTool handles backlog_list.
type ListTool struct {
	controller kernel.Controller
}

// NewListTool creates a ListTool.
func NewListTool(controller kernel.Controller) *ListTool {
	return &ListTool{controller: controller}
}

// Definition returns the MCP tool definition for backlog_list.
func (t *ListTool) Definition() mcp.Tool {
	return mcp.NewTool("backlog_list",
		mcp.WithDescription("List change requests in enqueue order, optionally filtered."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithArray("statuses",
			mcp.Description("Only these statuses"),
			mcp.WithStringItems(mcp.Enum(statusNames()...)),
		),
		mcp.WithString("target",
			mcp.Description("Only this target"),
		),
	)
}

// Handle processes the backlog_list tool call.
func (t *ListTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := argsOf(req)
	raw, err := args.StringSlice("statuses")
	if err != nil {
		return errorResult("list", err), nil
	}
	var f backlog.Filter
	for _, s := range raw {
		st := backlog.Status(s)
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("invalid argument: unknown status %q", s)), nil
		}
		f.Statuses = append(f.Statuses, st)
	}
	if f.Target, err = args.String("target"); err != nil {
		return errorResult("list", err), nil
	}

	items := t.controller.ListBacklog(f)
	return jsonResult(map[string]any{"items": items, "count": len(items)})
}

// ─── DecisionTool ───────────────────────────────────────────────────────────

// Decision is an operator action on one change request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionRequeue Decision = "requeue"
)

var decisionDescriptions = map[Decision]string{
	DecisionApprove: "Approve a critical change request waiting for approval so it can run.",
	DecisionReject:  "Reject a change request waiting for approval. Rejection is final.",
	DecisionRequeue: "Return a failed change request to the queue for another attempt.",
}

// DecisionTool handles backlog_approve, backlog_reject and backlog_requeue.
type DecisionTool struct {
	controller kernel.Controller
	decision   Decision
}

// NewDecisionTool creates the tool for one decision.
func NewDecisionTool(controller kernel.Controller, decision Decision) *DecisionTool {
	return &DecisionTool{controller: controller, decision: decision}
}

// Definition returns the MCP tool definition for backlog_<decision>.
func (t *DecisionTool) Definition() mcp.Tool {
	return mcp.NewTool("backlog_"+string(t.decision),
		mcp.WithDescription(decisionDescriptions[t.decision]),
		mcp.WithDestructiveHintAnnotation(t.decision == DecisionReject),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Change request ID"),
		),
	)
}

// Handle processes the decision.
func (t *DecisionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := argsOf(req).RequireString("id")
	if err != nil {
		return errorResult(string(t.decision), err), nil
	}

	var item backlog.ChangeRequest
	switch t.decision {
	case DecisionApprove:
		item, err = t.controller.Approve(ctx, id)
	case DecisionReject:
		item, err = t.controller.Reject(ctx, id)
	case DecisionRequeue:
		item, err = t.controller.Requeue(ctx, id)
	default:
		return nil, fmt.Errorf("unknown decision %q", t.decision)
	}
	if err != nil {
		return errorResult(string(t.decision), err), nil
	}
	return jsonResult(item)
}

// ─── ProcessNextTool ────────────────────────────────────────────────────────

// ProcessNextTool handles backlog_process_next.
type ProcessNextTool struct {
	controller kernel.Controller
}

// NewProcessNextTool creates a ProcessNextTool.
func NewProcessNextTool(controller kernel.Controller) *ProcessNextTool {
	return &ProcessNextTool{controller: controller}
}

// Definition returns the MCP tool definition for backlog_process_next.
func (t *ProcessNextTool) Definition() mcp.Tool {
	return mcp.NewTool("backlog_process_next",
		mcp.WithDescription(
			"Run the highest-priority actionable change request to completion and report the result. Blocks while the campaign runs.",
		),
	)
}

// Handle processes the backlog_process_next tool call.
func (t *ProcessNextTool) Handle(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := t.controller.ProcessNext(ctx)
	if err != nil {
		return errorResult("process next", err), nil
	}
	if !result.Processed() {
		return mcp.NewToolResultText("No actionable change requests."), nil
	}
	return jsonResult(result)
}

// ─── StatusTool ─────────────────────────────────────────────────────────────

// StatusTool handles orchestrator_status.
type StatusTool struct {
	controller kernel.Controller
}

// NewStatusTool creates a StatusTool.
func NewStatusTool(controller kernel.Controller) *StatusTool {
	return &StatusTool{controller: controller}
}

// Definition returns the MCP tool definition for orchestrator_status.
func (t *StatusTool) Definition() mcp.Tool {
	return mcp.NewTool("orchestrator_status",
		mcp.WithDescription("Backlog counts per status, running executions and permit usage."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

// Handle processes the orchestrator_status tool call.
func (t *StatusTool) Handle(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.controller.Status())
}
