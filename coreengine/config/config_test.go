package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DEFAULT CONFIG TESTS
// =============================================================================

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ".autoforge", cfg.StateDir)
	assert.Equal(t, "info", cfg.LogLevel)

	// Cycle
	assert.Equal(t, 3*time.Minute, cfg.Cycle.SelfTestTimeout)
	assert.Equal(t, []string{"{artifact}", "--self-test"}, cfg.Cycle.SelfTestCommand)
	assert.Equal(t, 0.6, cfg.Cycle.CritiqueThreshold)
	assert.Equal(t, 3, cfg.Cycle.MaxCycles)
	assert.Equal(t, 2, cfg.Cycle.MaxConsecutiveFailures)
	assert.False(t, cfg.Cycle.ContinueAfterPromotion)

	// Collaborators
	assert.Equal(t, "http", cfg.Collaborators.Kind)
	assert.Equal(t, 120*time.Second, cfg.Collaborators.RequestTimeout)
	assert.Equal(t, 3, cfg.Collaborators.MaxRetries)

	// Orchestrator
	assert.Equal(t, 2, cfg.Orchestrator.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.TickInterval)
	assert.Equal(t, 15*time.Minute, cfg.Orchestrator.CycleTimeout)
	assert.Equal(t, time.Hour, cfg.Orchestrator.StuckTimeout)

	require.NoError(t, cfg.Validate())
}

// =============================================================================
// LOAD TESTS
// =============================================================================

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoforge.yaml")
	yamlData := `
state_dir: /var/lib/autoforge
self_target: cmd/autoforge/main.go
critical_targets:
  - core/**
cycle:
  self_test_timeout: 90s
  critique_threshold: 0.75
orchestrator:
  max_concurrent: 4
  engine_command: ["autoforge", "--config", "/etc/autoforge.yaml"]
syntax:
  commands:
    .py: ["python3", "-m", "py_compile", "{file}"]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/autoforge", cfg.StateDir)
	assert.Equal(t, "cmd/autoforge/main.go", cfg.SelfTarget)
	assert.Equal(t, 90*time.Second, cfg.Cycle.SelfTestTimeout)
	assert.Equal(t, 0.75, cfg.Cycle.CritiqueThreshold)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrent)
	assert.Equal(t, []string{"autoforge", "--config", "/etc/autoforge.yaml"}, cfg.Orchestrator.EngineCommand)
	assert.Equal(t, []string{"python3", "-m", "py_compile", "{file}"}, cfg.Syntax.Commands[".py"])

	// Untouched values keep defaults
	assert.Equal(t, 3, cfg.Cycle.MaxCycles)
	assert.Equal(t, 15*time.Minute, cfg.Orchestrator.CycleTimeout)
}

func TestLoadMissingProjectConfigUsesDefaults(t *testing.T) {
	t.Setenv("AUTOFORGE_STATE_DIR", filepath.Join(t.TempDir(), "state"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.6, cfg.Cycle.CritiqueThreshold)
}

func TestLoadMissingExplicitConfigFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\ngrpc:\n  addr: 127.0.0.1:1\n"), 0o644))

	t.Setenv("AUTOFORGE_LOG_LEVEL", "warn")
	t.Setenv("AUTOFORGE_GRPC_ADDR", "127.0.0.1:7777")
	t.Setenv("AUTOFORGE_GENERATOR_URL", "http://gen.local")
	t.Setenv("AUTOFORGE_CRITIC_URL", "http://critic.local")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:7777", cfg.GRPC.Addr)
	assert.Equal(t, "http://gen.local", cfg.Collaborators.GeneratorURL)
	assert.Equal(t, "http://critic.local", cfg.Collaborators.CriticURL)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cycle: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"threshold too high", func(c *Config) { c.Cycle.CritiqueThreshold = 1.5 }, "critique_threshold"},
		{"no cycles", func(c *Config) { c.Cycle.MaxCycles = 0 }, "max_cycles"},
		{"no permits", func(c *Config) { c.Orchestrator.MaxConcurrent = 0 }, "max_concurrent"},
		{"unknown collaborator kind", func(c *Config) { c.Collaborators.Kind = "grpc" }, "collaborators.kind"},
		{"empty state dir", func(c *Config) { c.StateDir = "" }, "state_dir"},
		{"bad pattern", func(c *Config) { c.CriticalTargets = []string{"core/["} }, "invalid target pattern"},
		{"syntax ext without dot", func(c *Config) { c.Syntax.Commands = map[string][]string{"py": {"x"}} }, "syntax.commands"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// =============================================================================
// TARGET POLICY TESTS
// =============================================================================

func TestTargetPolicy(t *testing.T) {
	cfg := Default()
	cfg.SelfTarget = "./agent/control.py"
	cfg.CriticalTargets = []string{"core/**", "*.lock"}
	cfg.IsolatedTargets = []string{"services/*/main.go"}

	tests := []struct {
		target   string
		self     bool
		isolated bool
		critical bool
	}{
		{"agent/control.py", true, true, false},
		{"core/scheduler", false, false, true},
		{"core", false, false, true},
		{"coreutils/x", false, false, false},
		{"go.lock", false, false, true},
		{"services/api/main.go", false, true, false},
		{"services/api/other.go", false, false, false},
		{"moduleA", false, false, false},
		{"./core/x.go", false, false, true},
		{"services/api/../api/main.go", false, true, false},
		{"core/cafe\u0301.go", false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.self, cfg.IsSelfTarget(tt.target))
			assert.Equal(t, tt.isolated, cfg.IsIsolated(tt.target))
			assert.Equal(t, tt.critical, cfg.IsCritical(tt.target))
		})
	}
}

func TestStateLayout(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/srv/af"

	assert.Equal(t, "/srv/af/backlog.json", cfg.BacklogPath())
	assert.Equal(t, "/srv/af/backups", cfg.BackupDir())
	assert.Equal(t, "/srv/af/history.db", cfg.HistoryPath())
	assert.Equal(t, "/srv/af/workspaces", cfg.WorkspaceDir())
}

func TestSelfTargetIgnoresUnicodeForm(t *testing.T) {
	cfg := Default()
	cfg.SelfTarget = "agent/café.py"
	assert.True(t, cfg.IsSelfTarget("./agent/cafe\u0301.py"))
	assert.True(t, cfg.IsIsolated("agent/café.py"))
	assert.False(t, cfg.IsSelfTarget("agent/cafe.py"))
}
