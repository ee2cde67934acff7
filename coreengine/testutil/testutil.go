// Package testutil provides shared test utilities and mocks.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external collaborators.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/collab"
)

// =============================================================================
// MOCK GENERATOR
// =============================================================================

// MockGenerator implements collab.Generator for testing.
// Proposals and Replacements are consumed in order; the last entry repeats.
type MockGenerator struct {
	// Proposals are returned by Propose.
	Proposals []string

	// Replacements are returned by GenerateReplacement.
	Replacements [][]byte

	// ProposeError and GenerateError cause the respective call to fail.
	ProposeError  error
	GenerateError error

	// Delay simulates collaborator latency. Calls honor ctx while waiting.
	Delay time.Duration

	// BlockGenerate makes GenerateReplacement wait until ctx is done.
	BlockGenerate bool

	// ProposeCalls records every request seen by Propose.
	ProposeCalls []collab.ProposeRequest

	// GenerateCalls records every request seen by GenerateReplacement.
	GenerateCalls []collab.GenerateRequest

	mu sync.Mutex
}

// NewMockGenerator creates a MockGenerator that proposes description and
// returns replacement.
func NewMockGenerator(description string, replacement string) *MockGenerator {
	return &MockGenerator{
		Proposals:    []string{description},
		Replacements: [][]byte{[]byte(replacement)},
	}
}

// Propose implements collab.Generator.
func (m *MockGenerator) Propose(ctx context.Context, req collab.ProposeRequest) (string, error) {
	m.mu.Lock()
	m.ProposeCalls = append(m.ProposeCalls, req)
	n := len(m.ProposeCalls)
	err := m.ProposeError
	m.mu.Unlock()

	if waitErr := wait(ctx, m.Delay); waitErr != nil {
		return "", waitErr
	}
	if err != nil {
		return "", err
	}
	return pick(m.Proposals, n), nil
}

// GenerateReplacement implements collab.Generator.
func (m *MockGenerator) GenerateReplacement(ctx context.Context, req collab.GenerateRequest) ([]byte, error) {
	m.mu.Lock()
	m.GenerateCalls = append(m.GenerateCalls, req)
	n := len(m.GenerateCalls)
	err := m.GenerateError
	block := m.BlockGenerate
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if waitErr := wait(ctx, m.Delay); waitErr != nil {
		return nil, waitErr
	}
	if err != nil {
		return nil, err
	}
	return pick(m.Replacements, n), nil
}

// ProposeCount returns the number of Propose calls.
func (m *MockGenerator) ProposeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ProposeCalls)
}

// LastProposeRequest returns the most recent Propose request.
func (m *MockGenerator) LastProposeRequest() collab.ProposeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ProposeCalls) == 0 {
		return collab.ProposeRequest{}
	}
	return m.ProposeCalls[len(m.ProposeCalls)-1]
}

// =============================================================================
// MOCK CRITIC
// =============================================================================

// MockCritic implements collab.Critic for testing.
type MockCritic struct {
	// Scores are consumed in order; the last entry repeats.
	Scores []float64

	// Justification is attached to every critique.
	Justification string

	// Error causes Score to return this error.
	Error error

	// Calls records every request.
	Calls []collab.ScoreRequest

	mu sync.Mutex
}

// NewMockCritic creates a MockCritic returning the given scores.
func NewMockCritic(scores ...float64) *MockCritic {
	return &MockCritic{Scores: scores, Justification: "mock critique"}
}

// Score implements collab.Critic.
func (m *MockCritic) Score(ctx context.Context, req collab.ScoreRequest) (collab.Critique, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)
	if ctx.Err() != nil {
		return collab.Critique{}, ctx.Err()
	}
	if m.Error != nil {
		return collab.Critique{}, m.Error
	}
	return collab.Critique{Score: pick(m.Scores, len(m.Calls)), Justification: m.Justification}, nil
}

// CallCount returns the number of Score calls.
func (m *MockCritic) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger captures structured log calls for testing.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}

// =============================================================================
// FIXTURES
// =============================================================================

// WriteTarget writes content to dir/name and returns the path.
func WriteTarget(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create target dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write target: %v", err)
	}
	return path
}

// ReadTarget returns the content of path.
func ReadTarget(t testing.TB, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	return string(data)
}

// =============================================================================
// HELPERS
// =============================================================================

func pick[T any](items []T, n int) T {
	var zero T
	if len(items) == 0 {
		return zero
	}
	if n > len(items) {
		return items[len(items)-1]
	}
	return items[n-1]
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ collab.Generator = (*MockGenerator)(nil)
	_ collab.Critic    = (*MockCritic)(nil)
)
