package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/cycle"
)

// =============================================================================
// IN-PROCESS RUNNER
// =============================================================================

// InProcessRunner runs campaigns on an engine in the current process.
// Used by tests and single-binary deployments that accept sharing a process
// with the engine.
type InProcessRunner struct {
	engine *cycle.Engine
}

// NewInProcessRunner creates an InProcessRunner.
func NewInProcessRunner(engine *cycle.Engine) *InProcessRunner {
	return &InProcessRunner{engine: engine}
}

// Run runs one campaign for req.
func (r *InProcessRunner) Run(ctx context.Context, req RunRequest) (RunReport, error) {
	res := r.engine.RunCampaign(ctx, req.Target, req.Suggestion, req.MaxCycles)
	return reportFromCampaign(res), nil
}

// =============================================================================
// SUBPROCESS RUNNER
// =============================================================================

// DefaultGracePeriod is how long a cancelled engine subprocess may take to
// revert and report before it is killed.
const DefaultGracePeriod = 10 * time.Second

const stderrTailBytes = 2048

// resultEnvelope is the single JSON object the engine CLI prints on stdout.
type resultEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// SubprocessRunner runs the engine CLI as a child process:
//
//	<command...> run-cycle <target> --output-json --max-cycles N [--context TEXT]
//
// On cancellation the child gets SIGTERM and Grace to revert and print its
// result; after that it is killed.
type SubprocessRunner struct {
	command []string
	grace   time.Duration
	env     []string
	logger  Logger
}

// NewSubprocessRunner creates a SubprocessRunner. An empty command runs the
// current executable.
func NewSubprocessRunner(command []string, grace time.Duration, logger Logger) (*SubprocessRunner, error) {
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve engine executable: %w", err)
		}
		command = []string{exe}
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &SubprocessRunner{
		command: append([]string(nil), command...),
		grace:   grace,
		logger:  logger,
	}, nil
}

// WithEnv sets extra environment variables for the child process.
func (r *SubprocessRunner) WithEnv(env ...string) *SubprocessRunner {
	r.env = append(r.env, env...)
	return r
}

// Args returns the argv used for req. Flags come first and the target
// follows "--", so a target or suggestion starting with "-" is never parsed
// as a flag.
func (r *SubprocessRunner) Args(req RunRequest) []string {
	args := append([]string(nil), r.command...)
	args = append(args, "run-cycle", "--output-json")
	if req.MaxCycles > 0 {
		args = append(args, "--max-cycles", strconv.Itoa(req.MaxCycles))
	}
	if req.Suggestion != "" {
		args = append(args, "--context="+req.Suggestion)
	}
	return append(args, "--", req.Target)
}

// Run executes the engine for req and parses its result.
func (r *SubprocessRunner) Run(ctx context.Context, req RunRequest) (RunReport, error) {
	argv := r.Args(req)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.grace

	start := time.Now()
	runErr := cmd.Run()
	r.logger.Debug("engine_subprocess_exited",
		"request_id", req.RequestID,
		"target", req.Target,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", errString(runErr),
	)

	// A parseable result wins even after cancellation: the child reverted
	// and reported what the artifact holds.
	env, parseErr := parseEnvelope(stdout.String())
	if parseErr == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		var campaign cycle.CampaignResult
		if err := json.Unmarshal(env.Data, &campaign); err == nil && len(campaign.Cycles) > 0 {
			return reportFromCampaign(campaign), nil
		}
	}

	if ctx.Err() != nil {
		return RunReport{}, fmt.Errorf("engine subprocess interrupted: %w", context.Cause(ctx))
	}

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return RunReport{}, fmt.Errorf("start engine subprocess: %w", runErr)
	}

	cause := parseErr
	if parseErr == nil {
		cause = fmt.Errorf("engine reported %s: %s", env.Status, env.Message)
	}
	return RunReport{}, &SubprocessError{
		ExitCode: exitCode,
		Stderr:   tailString(stderr.String(), stderrTailBytes),
		Cause:    cause,
	}
}

// parseEnvelope decodes the last non-empty stdout line.
func parseEnvelope(out string) (resultEnvelope, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return resultEnvelope{}, errors.New("engine produced no output")
	}
	var env resultEnvelope
	if err := json.Unmarshal([]byte(last), &env); err != nil {
		return resultEnvelope{}, fmt.Errorf("malformed engine output: %w", err)
	}
	if env.Status == "" {
		return resultEnvelope{}, errors.New("engine output has no status")
	}
	return env, nil
}

func tailString(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	_ EngineRunner = (*InProcessRunner)(nil)
	_ EngineRunner = (*SubprocessRunner)(nil)
)
