package kernel

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/autoforge/commbus"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/backup"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/collab"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/config"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/cycle"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/testutil"
)

const (
	originalGo = "package modulea\n\nfunc Answer() int { return 41 }\n"
	improvedGo = "package modulea\n\nfunc Answer() int { return 42 }\n"
	brokenGo   = "package modulea\n\nfunc Answer() int { return 42 \n"
)

// =============================================================================
// FAKE RUNNER
// =============================================================================

// fakeRunner is a scripted EngineRunner.
type fakeRunner struct {
	mu      sync.Mutex
	reports map[string]RunReport
	err     error
	panic   any
	calls   []RunRequest

	// block, when set, holds every Run until it is closed or ctx is done.
	block chan struct{}
	// started receives every request as Run begins, if set.
	started chan RunRequest
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{reports: make(map[string]RunReport)}
}

func promotedReport() RunReport {
	return RunReport{
		Success:       true,
		Outcome:       string(cycle.OutcomePromoted),
		ArtifactState: string(cycle.StatePromoted),
		Cycles:        1,
	}
}

func failedReport(gate cycle.Gate) RunReport {
	return RunReport{
		Outcome:       string(cycle.OutcomeRevertedLocal),
		FailedGate:    string(gate),
		Reason:        "candidate rejected",
		ArtifactState: string(cycle.StateReverted),
		Cycles:        1,
	}
}

func (f *fakeRunner) setReport(target string, report RunReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[target] = report
}

func (f *fakeRunner) Run(ctx context.Context, req RunRequest) (RunReport, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	report, ok := f.reports[req.Target]
	err, p, block, started := f.err, f.panic, f.block, f.started
	f.mu.Unlock()

	if started != nil {
		started <- req
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return RunReport{}, ctx.Err()
		}
	}
	if p != nil {
		panic(p)
	}
	if err != nil {
		return RunReport{}, err
	}
	if !ok {
		report = promotedReport()
	}
	return report, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// =============================================================================
// EVENT RECORDER
// =============================================================================

type eventRecorder struct {
	mu     sync.Mutex
	events []commbus.Message
}

func recordEvents(bus commbus.CommBus) *eventRecorder {
	r := &eventRecorder{}
	bus.Subscribe(commbus.WildcardEvent, func(_ context.Context, msg commbus.Message) (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, msg)
		return nil, nil
	})
	return r
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, commbus.GetMessageType(e))
	}
	return out
}

func (r *eventRecorder) find(eventType string) commbus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if commbus.GetMessageType(e) == eventType {
			return e
		}
	}
	return nil
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	dir         string
	backlog     *backlog.Backlog
	bus         *commbus.InMemoryCommBus
	events      *eventRecorder
	runner      *fakeRunner
	logger      *testutil.MockLogger
	coordinator *Coordinator
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	opts     Options
	critical []string
	runner   EngineRunner
}

func withOptions(o Options) fixtureOption {
	return func(c *fixtureConfig) { c.opts = o }
}

func withCritical(patterns ...string) fixtureOption {
	return func(c *fixtureConfig) { c.critical = patterns }
}

func withRunner(r EngineRunner) fixtureOption {
	return func(c *fixtureConfig) { c.runner = r }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	dir := t.TempDir()

	fc := fixtureConfig{opts: Options{MaxConcurrent: 2, CycleTimeout: 5 * time.Second, MaxAttemptsPerHour: 0}}
	for _, opt := range opts {
		opt(&fc)
	}

	bl, err := backlog.Open(filepath.Join(dir, "backlog.json"))
	require.NoError(t, err)

	f := &fixture{
		dir:     dir,
		backlog: bl,
		bus:     commbus.NewInMemoryCommBus(time.Second, nil),
		runner:  newFakeRunner(),
		logger:  testutil.NewMockLogger(),
	}
	f.events = recordEvents(f.bus)

	runner := fc.runner
	if runner == nil {
		runner = f.runner
	}
	cfg := config.Default()
	cfg.CriticalTargets = fc.critical

	f.coordinator, err = NewCoordinator(context.Background(), bl, runner, f.bus, cfg, f.logger, fc.opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) enqueue(t *testing.T, target string, priority int) backlog.ChangeRequest {
	t.Helper()
	item, err := f.coordinator.Enqueue(context.Background(), backlog.Submission{
		Target:     target,
		Suggestion: "improve " + target,
		Priority:   priority,
		Source:     "test",
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) get(t *testing.T, id string) backlog.ChangeRequest {
	t.Helper()
	item, err := f.backlog.Get(id)
	require.NoError(t, err)
	return item
}

// newFileEngine builds a real engine over files in root.
func newFileEngine(t *testing.T, root string, gen collab.Generator, critic collab.Critic) *cycle.Engine {
	t.Helper()
	store, err := backup.NewStore(filepath.Join(root, ".state", "backups"))
	require.NoError(t, err)

	engine, err := cycle.NewEngine(cycle.Dependencies{
		Artifacts: cycle.NewFileArtifacts(root),
		Backups:   store,
		Generator: gen,
		Critic:    critic,
		Policy:    config.Default(),
	}, cycle.Options{
		CritiqueThreshold: 0.6,
		WorkspaceDir:      filepath.Join(root, ".state", "workspaces"),
	})
	require.NoError(t, err)
	return engine
}

// writeScript writes an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}
