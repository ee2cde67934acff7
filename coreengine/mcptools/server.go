package mcptools

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/kernel"
)

// ServerName is reported to MCP clients during initialization.
const ServerName = "autoforge"

const instructions = `autoforge runs gated modification cycles against project artifacts.
Use backlog_enqueue to queue a change request, backlog_list and orchestrator_status
to inspect progress, and cycle_history to see why cycles failed. Critical targets
wait in PendingApproval until an operator calls backlog_approve.`

// Tool is one MCP tool: its schema and its call handler.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Tools returns every tool served for controller and hist. hist may be nil,
// in which case cycle_history is not offered.
func Tools(controller kernel.Controller, hist HistoryReader) []Tool {
	tools := []Tool{
		NewEnqueueTool(controller),
		NewListTool(controller),
		NewDecisionTool(controller, DecisionApprove),
		NewDecisionTool(controller, DecisionReject),
		NewDecisionTool(controller, DecisionRequeue),
		NewProcessNextTool(controller),
		NewStatusTool(controller),
	}
	if hist != nil {
		tools = append(tools, NewHistoryTool(hist))
	}
	return tools
}

// NewServer builds an MCP server with all tools registered.
func NewServer(controller kernel.Controller, hist HistoryReader, version string) *server.MCPServer {
	s := server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range Tools(controller, hist) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s
}

// Serve speaks MCP over in and out until ctx is cancelled or in closes.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}
