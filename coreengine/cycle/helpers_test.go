package cycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backup"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/testutil"
)

const (
	originalGo  = "package modulea\n\nfunc Answer() int { return 41 }\n"
	improvedGo  = "package modulea\n\nfunc Answer() int { return 42 }\n"
	brokenGo    = "package modulea\n\nfunc Answer() int { return 42 \n"
	targetA     = "moduleA.go"
	selfTarget  = "agent/control.go"
	testContext = "make Answer correct"
)

var errDiskFull = errors.New("disk full")

// versions returns n distinct valid Go sources.
func versions(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("package modulea\n\nfunc Answer() int { return %d }\n", 100+i))
	}
	return out
}

// memArtifacts is an in-memory Artifacts with scripted write failures.
type memArtifacts struct {
	mu     sync.Mutex
	files  map[string][]byte
	writes int

	// failWrite decides whether the n-th write (1-based) fails.
	failWrite func(n int, target string, content []byte) error
}

func newMemArtifacts(files map[string]string) *memArtifacts {
	m := &memArtifacts{files: make(map[string][]byte)}
	for k, v := range files {
		m.files[k] = []byte(v)
	}
	return m
}

func (m *memArtifacts) Read(target string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[target]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: target, Err: os.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (m *memArtifacts) Write(target string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failWrite != nil {
		if err := m.failWrite(m.writes, target, content); err != nil {
			return err
		}
	}
	m.files[target] = append([]byte(nil), content...)
	return nil
}

func (m *memArtifacts) Path(target string) string { return filepath.Join("/virtual", target) }

func (m *memArtifacts) content(target string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.files[target])
}

func (m *memArtifacts) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// failWritesUpTo fails the first n writes.
func failWritesUpTo(n int) func(int, string, []byte) error {
	return func(i int, _ string, _ []byte) error {
		if i <= n {
			return errDiskFull
		}
		return nil
	}
}

type staticPolicy struct {
	self     string
	isolated map[string]bool
}

func (p staticPolicy) IsSelfTarget(target string) bool { return target == p.self }
func (p staticPolicy) IsIsolated(target string) bool {
	return target == p.self || p.isolated[target]
}

// stubSelfTester returns err for every run and records the paths it saw.
type stubSelfTester struct {
	err   error
	paths []string
}

func (s *stubSelfTester) SelfTest(_ context.Context, path string) (SelfTestReport, error) {
	s.paths = append(s.paths, path)
	if s.err != nil {
		return SelfTestReport{}, s.err
	}
	return SelfTestReport{Status: SelfTestStatusSuccess}, nil
}

type recordingHistory struct {
	mu      sync.Mutex
	results []CycleResult
}

func (h *recordingHistory) Append(ctx context.Context, r CycleResult) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, r)
	return nil
}

type harness struct {
	engine     *Engine
	artifacts  *memArtifacts
	backups    *backup.Store
	generator  *testutil.MockGenerator
	critic     *testutil.MockCritic
	selfTester *stubSelfTester
	history    *recordingHistory
	logger     *testutil.MockLogger
	workspaces string
}

type harnessOption func(*Dependencies, *Options)

func withIsolated(targets ...string) harnessOption {
	return func(d *Dependencies, _ *Options) {
		p := d.Policy.(staticPolicy)
		for _, t := range targets {
			p.isolated[t] = true
		}
		d.Policy = p
	}
}

func withDeps(fn func(*Dependencies)) harnessOption {
	return func(d *Dependencies, _ *Options) { fn(d) }
}

func withOptions(fn func(*Options)) harnessOption {
	return func(_ *Dependencies, o *Options) { fn(o) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := backup.NewStore(filepath.Join(dir, "backups"))
	require.NoError(t, err)

	h := &harness{
		artifacts:  newMemArtifacts(map[string]string{targetA: originalGo, selfTarget: originalGo}),
		backups:    store,
		generator:  testutil.NewMockGenerator("return the right answer", improvedGo),
		critic:     testutil.NewMockCritic(0.9),
		selfTester: &stubSelfTester{},
		history:    &recordingHistory{},
		logger:     testutil.NewMockLogger(),
		workspaces: filepath.Join(dir, "workspaces"),
	}

	deps := Dependencies{
		Artifacts:  h.artifacts,
		Backups:    h.backups,
		Generator:  h.generator,
		Critic:     h.critic,
		SelfTester: h.selfTester,
		Policy:     staticPolicy{self: selfTarget, isolated: map[string]bool{}},
		History:    h.history,
		Logger:     h.logger,
	}
	options := Options{CritiqueThreshold: 0.6, WorkspaceDir: h.workspaces}
	for _, opt := range opts {
		opt(&deps, &options)
	}

	h.backups = deps.Backups
	h.engine, err = NewEngine(deps, options)
	require.NoError(t, err)
	return h
}

func (h *harness) backupsOf(t *testing.T, target string) []backup.Record {
	t.Helper()
	records, err := h.backups.List(target)
	require.NoError(t, err)
	return records
}
