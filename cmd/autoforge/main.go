// autoforge runs safe, gated modification cycles against project artifacts
// and orchestrates a persistent backlog of change requests.
//
// Usage:
//
//	autoforge run-cycle moduleA.go --context "simplify parsing" --output-json
//	autoforge rollback moduleA.go 2
//	autoforge serve                  # orchestrator loop + gRPC control surface
//	autoforge mcp                    # MCP tools over stdio
//	autoforge backlog enqueue core/agent.go --suggestion "..."
//	autoforge --self-test
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and returns the process exit code. Errors a command
// did not report itself are written as an error Result.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	if !isReported(err) {
		_ = writeResult(stdout, failure(err), true)
	}
	return GetExitCode(err)
}
