// Package config provides autoforge configuration.
//
// Configuration is resolved from (highest to lowest priority):
//  1. Command-line flags (applied by the caller after Load)
//  2. Environment variables (AUTOFORGE_*)
//  3. Explicit config file (--config)
//  4. Project config (.autoforge/config.yaml in cwd)
//  5. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/fsutil"
)

// Config holds all autoforge configuration.
type Config struct {
	// StateDir holds the backlog, backups, history and workspaces.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// SelfTarget is the system's own control artifact. Cycles against it
	// always run in an isolated workspace and require a restart on promotion.
	SelfTarget string `yaml:"self_target" json:"self_target"`

	// IsolatedTargets are glob patterns for other targets that get the
	// copy-then-promote treatment instead of direct writes.
	IsolatedTargets []string `yaml:"isolated_targets" json:"isolated_targets"`

	// CriticalTargets are glob patterns for targets that need operator approval.
	CriticalTargets []string `yaml:"critical_targets" json:"critical_targets"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Cycle         CycleConfig         `yaml:"cycle" json:"cycle"`
	Collaborators CollaboratorConfig  `yaml:"collaborators" json:"collaborators"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator" json:"orchestrator"`
	Syntax        SyntaxConfig        `yaml:"syntax" json:"syntax"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	GRPC          GRPCConfig          `yaml:"grpc" json:"grpc"`
}

// CycleConfig controls a single modification cycle and campaigns.
type CycleConfig struct {
	SelfTestTimeout time.Duration `yaml:"self_test_timeout" json:"self_test_timeout"`

	// SelfTestCommand is the argv used to run a candidate in self-test mode.
	// "{artifact}" is replaced with the candidate path.
	SelfTestCommand []string `yaml:"self_test_command" json:"self_test_command"`

	CritiqueThreshold      float64 `yaml:"critique_threshold" json:"critique_threshold"`
	MaxCycles              int     `yaml:"max_cycles" json:"max_cycles"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	ContinueAfterPromotion bool    `yaml:"continue_after_promotion" json:"continue_after_promotion"`
	KeepWorkspaces         bool    `yaml:"keep_workspaces" json:"keep_workspaces"`
}

// CollaboratorConfig selects and tunes the content-generation and critique clients.
type CollaboratorConfig struct {
	// Kind is "http" or "command".
	Kind             string        `yaml:"kind" json:"kind"`
	GeneratorURL     string        `yaml:"generator_url" json:"generator_url"`
	CriticURL        string        `yaml:"critic_url" json:"critic_url"`
	GeneratorCommand []string      `yaml:"generator_command" json:"generator_command"`
	CriticCommand    []string      `yaml:"critic_command" json:"critic_command"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
}

// OrchestratorConfig controls backlog processing.
type OrchestratorConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent"`
	TickInterval  time.Duration `yaml:"tick_interval" json:"tick_interval"`
	CycleTimeout  time.Duration `yaml:"cycle_timeout" json:"cycle_timeout"`

	// EngineCommand is the argv prefix used to run the engine out of process.
	// Empty means the current executable.
	EngineCommand      []string      `yaml:"engine_command" json:"engine_command"`
	MaxAttemptsPerHour int           `yaml:"max_attempts_per_hour" json:"max_attempts_per_hour"`
	StuckTimeout       time.Duration `yaml:"stuck_timeout" json:"stuck_timeout"`
}

// SyntaxConfig maps file extensions (".py") to external checker commands.
// "{file}" in a command is replaced with the path being checked.
type SyntaxConfig struct {
	Commands map[string][]string `yaml:"commands" json:"commands"`
}

// ObservabilityConfig controls metrics and tracing export.
type ObservabilityConfig struct {
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// GRPCConfig controls the control-surface server.
type GRPCConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Default config values.
const (
	DefaultStateDir     = ".autoforge"
	configFileName      = "config.yaml"
	CollaboratorHTTP    = "http"
	CollaboratorCmd     = "command"
	ArtifactPlaceholder = "{artifact}"
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		StateDir: DefaultStateDir,
		LogLevel: "info",
		Cycle: CycleConfig{
			SelfTestTimeout:        3 * time.Minute,
			SelfTestCommand:        []string{ArtifactPlaceholder, "--self-test"},
			CritiqueThreshold:      0.6,
			MaxCycles:              3,
			MaxConsecutiveFailures: 2,
		},
		Collaborators: CollaboratorConfig{
			Kind:           CollaboratorHTTP,
			RequestTimeout: 120 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:      2,
			TickInterval:       30 * time.Second,
			CycleTimeout:       15 * time.Minute,
			MaxAttemptsPerHour: 6,
			StuckTimeout:       time.Hour,
		},
		Syntax: SyntaxConfig{Commands: map[string][]string{}},
		Observability: ObservabilityConfig{
			ServiceName: "autoforge",
		},
		GRPC: GRPCConfig{Addr: "127.0.0.1:50061"},
	}
}

// Load resolves configuration. An empty path falls back to the project
// config file, which may be absent.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(stateDirFromEnv(), configFileName)
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configPath, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func stateDirFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("AUTOFORGE_STATE_DIR")); v != "" {
		return v
	}
	return DefaultStateDir
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("AUTOFORGE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("AUTOFORGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AUTOFORGE_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("AUTOFORGE_GENERATOR_URL"); v != "" {
		cfg.Collaborators.GeneratorURL = v
	}
	if v := os.Getenv("AUTOFORGE_CRITIC_URL"); v != "" {
		cfg.Collaborators.CriticURL = v
	}
}

// Validate checks the configuration for values that would make the pipeline unsafe.
func (c *Config) Validate() error {
	var errs []error

	if c.StateDir == "" {
		errs = append(errs, fmt.Errorf("state_dir is required"))
	}
	if c.Cycle.CritiqueThreshold < 0 || c.Cycle.CritiqueThreshold > 1 {
		errs = append(errs, fmt.Errorf("cycle.critique_threshold must be within [0, 1], got %v", c.Cycle.CritiqueThreshold))
	}
	if c.Cycle.MaxCycles < 1 {
		errs = append(errs, fmt.Errorf("cycle.max_cycles must be at least 1, got %d", c.Cycle.MaxCycles))
	}
	if c.Cycle.SelfTestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("cycle.self_test_timeout must be positive"))
	}
	if len(c.Cycle.SelfTestCommand) == 0 {
		errs = append(errs, fmt.Errorf("cycle.self_test_command is required"))
	}
	if c.Collaborators.Kind != CollaboratorHTTP && c.Collaborators.Kind != CollaboratorCmd {
		errs = append(errs, fmt.Errorf("collaborators.kind must be %q or %q, got %q", CollaboratorHTTP, CollaboratorCmd, c.Collaborators.Kind))
	}
	if c.Collaborators.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("collaborators.max_retries must not be negative"))
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_concurrent must be at least 1, got %d", c.Orchestrator.MaxConcurrent))
	}
	if c.Orchestrator.CycleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.cycle_timeout must be positive"))
	}
	if c.Orchestrator.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.tick_interval must be positive"))
	}
	for _, pattern := range append(append([]string{}, c.CriticalTargets...), c.IsolatedTargets...) {
		if _, err := path.Match(strings.TrimSuffix(pattern, "/**"), ""); err != nil {
			errs = append(errs, fmt.Errorf("invalid target pattern %q: %w", pattern, err))
		}
	}
	for ext, argv := range c.Syntax.Commands {
		if !strings.HasPrefix(ext, ".") || len(argv) == 0 {
			errs = append(errs, fmt.Errorf("syntax.commands[%q] needs a leading dot and a non-empty command", ext))
		}
	}

	return errors.Join(errs...)
}

// =============================================================================
// TARGET POLICY
// =============================================================================

// IsSelfTarget reports whether target is the system's own control artifact.
func (c *Config) IsSelfTarget(target string) bool {
	return c.SelfTarget != "" && normalize(target) == normalize(c.SelfTarget)
}

// IsIsolated reports whether cycles against target must run in a workspace copy.
func (c *Config) IsIsolated(target string) bool {
	return c.IsSelfTarget(target) || matchAny(c.IsolatedTargets, target)
}

// IsCritical reports whether target requires operator approval.
func (c *Config) IsCritical(target string) bool {
	return matchAny(c.CriticalTargets, target)
}

// matchAny matches target against path.Match patterns. A trailing "/**"
// matches everything below the prefix.
func matchAny(patterns []string, target string) bool {
	t := normalize(target)
	for _, p := range patterns {
		p = normalize(p)
		if prefix, ok := strings.CutSuffix(p, "/**"); ok {
			if t == prefix || strings.HasPrefix(t, prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p, t); ok {
			return true
		}
	}
	return false
}

func normalize(target string) string {
	return fsutil.TargetKey(target)
}

// =============================================================================
// STATE LAYOUT
// =============================================================================

// BacklogPath is the single backlog file, rewritten atomically on each mutation.
func (c *Config) BacklogPath() string { return filepath.Join(c.StateDir, "backlog.json") }

// BackupDir holds backup copies and the manifest log.
func (c *Config) BackupDir() string { return filepath.Join(c.StateDir, "backups") }

// HistoryPath is the append-only cycle history database.
func (c *Config) HistoryPath() string { return filepath.Join(c.StateDir, "history.db") }

// WorkspaceDir holds per-cycle iteration workspaces.
func (c *Config) WorkspaceDir() string { return filepath.Join(c.StateDir, "workspaces") }
