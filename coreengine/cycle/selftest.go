package cycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/config"
)

// SelfTester runs a candidate artifact in self-test mode.
type SelfTester interface {
	SelfTest(ctx context.Context, artifactPath string) (SelfTestReport, error)
}

// SelfTestReport is the machine-readable line a candidate prints last.
type SelfTestReport struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// SelfTestStatusSuccess is the only passing status.
const SelfTestStatusSuccess = "success"

// SelfTestError explains a failed self-test.
type SelfTestError struct {
	Reason   string
	ExitCode int
	Output   string
}

func (e *SelfTestError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("self-test failed: %s (exit %d)", e.Reason, e.ExitCode)
	}
	return "self-test failed: " + e.Reason
}

// CommandSelfTester executes Argv with "{artifact}" replaced by the candidate
// path, bounded by Timeout. The process is killed when the timeout expires.
type CommandSelfTester struct {
	Argv    []string
	Timeout time.Duration
}

// NewCommandSelfTester creates a CommandSelfTester.
func NewCommandSelfTester(argv []string, timeout time.Duration) *CommandSelfTester {
	return &CommandSelfTester{Argv: argv, Timeout: timeout}
}

// SelfTest implements SelfTester.
func (s *CommandSelfTester) SelfTest(ctx context.Context, artifactPath string) (SelfTestReport, error) {
	if len(s.Argv) == 0 {
		return SelfTestReport{}, &SelfTestError{Reason: "no self-test command configured"}
	}

	argv := make([]string, len(s.Argv))
	for i, a := range s.Argv {
		argv[i] = strings.ReplaceAll(a, config.ArtifactPlaceholder, artifactPath)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()

	if ctx.Err() != nil {
		return SelfTestReport{}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return SelfTestReport{}, &SelfTestError{Reason: fmt.Sprintf("timed out after %s", s.Timeout), Output: tail(stderr.String())}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return SelfTestReport{}, &SelfTestError{Reason: "non-zero exit", ExitCode: exitErr.ExitCode(), Output: tail(stderr.String())}
		}
		return SelfTestReport{}, &SelfTestError{Reason: err.Error()}
	}

	report, err := parseSelfTestOutput(stdout.String())
	if err != nil {
		return SelfTestReport{}, err
	}
	if report.Status != SelfTestStatusSuccess {
		return report, &SelfTestError{Reason: fmt.Sprintf("reported status %q: %s", report.Status, report.Message)}
	}
	return report, nil
}

// parseSelfTestOutput decodes the last non-empty stdout line.
func parseSelfTestOutput(out string) (SelfTestReport, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return SelfTestReport{}, &SelfTestError{Reason: "malformed output: no result line"}
	}
	var report SelfTestReport
	if err := json.Unmarshal([]byte(last), &report); err != nil {
		return SelfTestReport{}, &SelfTestError{Reason: "malformed output: " + err.Error(), Output: tail(out)}
	}
	if report.Status == "" {
		return SelfTestReport{}, &SelfTestError{Reason: "malformed output: missing status"}
	}
	return report, nil
}

func tail(s string) string {
	const max = 2048
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
