// Package mcptools exposes the orchestrator control surface and the cycle
// history as MCP tools, so an assistant can feed and steer the backlog.
//
// Each tool is a struct holding its dependencies, with Definition returning
// the mcp.Tool schema and Handle serving a call. Failures the caller can fix
// are returned as tool errors, not protocol errors.
package mcptools

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/typeutil"
)

func argsOf(req mcp.CallToolRequest) typeutil.Args {
	return typeutil.Args(req.GetArguments())
}

// jsonResult returns v as structured content with a JSON text fallback.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	res, err := mcp.NewToolResultJSON(v)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("encode result", err), nil
	}
	return res, nil
}

// errorResult turns control-surface errors into a tool error with a short
// prefix naming the kind of failure.
func errorResult(op string, err error) *mcp.CallToolResult {
	var (
		notFound   *backlog.NotFoundError
		notPending *backlog.NotPendingApprovalError
		transition *backlog.InvalidTransitionError
		argErr     *typeutil.ArgError
	)
	switch {
	case errors.As(err, &argErr):
		return mcp.NewToolResultError("invalid argument: " + argErr.Error())
	case errors.As(err, &notFound):
		return mcp.NewToolResultError("not found: " + notFound.Error())
	case errors.As(err, &notPending), errors.As(err, &transition):
		return mcp.NewToolResultError("not allowed: " + err.Error())
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

func statusNames() []string {
	out := make([]string, 0, len(backlog.AllStatuses))
	for _, s := range backlog.AllStatuses {
		out = append(out, string(s))
	}
	return out
}
