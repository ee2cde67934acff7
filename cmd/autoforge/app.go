package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/autoforge/commbus"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/backup"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/collab"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/config"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/cycle"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/history"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/kernel"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/observability"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/syntax"
)

const busQueryTimeout = 5 * time.Second

// app holds the resolved configuration and the stores a command opened.
// Close releases everything in reverse order.
type app struct {
	opts    *RootOptions
	cfg     *config.Config
	root    string
	logger  *slogLogger
	backups *backup.Store
	history *history.Store
	closers []func() error
}

// newApp loads configuration, applies root flag overrides and creates the
// state directory.
func newApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.StateDir != "" {
		cfg.StateDir = opts.StateDir
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(root, cfg.StateDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	a := &app{opts: opts, cfg: cfg, root: root, logger: logger}

	if endpoint := cfg.Observability.OTLPEndpoint; endpoint != "" {
		shutdown, err := observability.InitTracer(cfg.Observability.ServiceName, version, endpoint)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(ctx)
		})
	}
	return a, nil
}

// Close releases opened stores and flushes tracing.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) openBackups() (*backup.Store, error) {
	if a.backups != nil {
		return a.backups, nil
	}
	store, err := backup.NewStore(a.cfg.BackupDir(), backup.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.backups = store
	return store, nil
}

func (a *app) openHistory() (*history.Store, error) {
	if a.history != nil {
		return a.history, nil
	}
	store, err := history.Open(a.cfg.HistoryPath())
	if err != nil {
		return nil, err
	}
	a.history = store
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) openBacklog() (*backlog.Backlog, error) {
	return backlog.Open(a.cfg.BacklogPath())
}

// newEngine builds a cycle engine. Rollback never calls the collaborators,
// so when they are not required a configuration problem is deferred to the
// first call instead of failing the command.
func (a *app) newEngine(requireCollaborators bool) (*cycle.Engine, error) {
	backups, err := a.openBackups()
	if err != nil {
		return nil, err
	}
	hist, err := a.openHistory()
	if err != nil {
		return nil, err
	}

	gen, critic, err := collab.FromConfig(a.cfg.Collaborators, a.logger)
	if err != nil {
		if requireCollaborators {
			return nil, err
		}
		missing := unconfiguredCollaborator{err: err}
		gen, critic = missing, missing
	}

	var selfTester cycle.SelfTester
	if len(a.cfg.Cycle.SelfTestCommand) > 0 {
		selfTester = cycle.NewCommandSelfTester(a.cfg.Cycle.SelfTestCommand, a.cfg.Cycle.SelfTestTimeout)
	}

	return cycle.NewEngine(cycle.Dependencies{
		Artifacts:  cycle.NewFileArtifacts(a.root),
		Backups:    backups,
		Generator:  gen,
		Critic:     critic,
		Syntax:     syntax.DefaultRegistry(a.cfg.Syntax.Commands),
		SelfTester: selfTester,
		Policy:     a.cfg,
		History:    hist,
		Logger:     a.logger,
	}, cycle.Options{
		CritiqueThreshold:      a.cfg.Cycle.CritiqueThreshold,
		WorkspaceDir:           a.cfg.WorkspaceDir(),
		KeepWorkspaces:         a.cfg.Cycle.KeepWorkspaces,
		MaxConsecutiveFailures: a.cfg.Cycle.MaxConsecutiveFailures,
		ContinueAfterPromotion: a.cfg.Cycle.ContinueAfterPromotion,
	})
}

// newBus creates the event bus with logging and metrics middleware.
func (a *app) newBus() *commbus.InMemoryCommBus {
	bus := commbus.NewInMemoryCommBus(busQueryTimeout, a.logger)
	bus.AddMiddleware(commbus.NewLoggingMiddleware(a.logger))
	bus.AddMiddleware(commbus.NewObserverMiddleware(observability.RecordBusMessage))
	return bus
}

// newRunner picks how the coordinator executes the engine: in this process,
// or as a child "run-cycle" process per item.
func (a *app) newRunner(inProcess bool) (kernel.EngineRunner, error) {
	if inProcess {
		engine, err := a.newEngine(true)
		if err != nil {
			return nil, err
		}
		return kernel.NewInProcessRunner(engine), nil
	}

	runner, err := kernel.NewSubprocessRunner(a.cfg.Orchestrator.EngineCommand, kernel.DefaultGracePeriod, a.logger)
	if err != nil {
		return nil, err
	}
	env := []string{
		"AUTOFORGE_STATE_DIR=" + a.cfg.StateDir,
		"AUTOFORGE_ROOT=" + a.root,
	}
	if a.opts.ConfigPath != "" {
		env = append(env, "AUTOFORGE_CONFIG="+a.opts.ConfigPath)
	}
	return runner.WithEnv(env...), nil
}

// newCoordinator opens the backlog and starts a coordinator over it. Opening
// requeues items a previous process left InProgress.
func (a *app) newCoordinator(ctx context.Context, runner kernel.EngineRunner, bus commbus.CommBus) (*kernel.Coordinator, error) {
	bl, err := a.openBacklog()
	if err != nil {
		return nil, err
	}
	o := a.cfg.Orchestrator
	return kernel.NewCoordinator(ctx, bl, runner, bus, a.cfg, a.logger, kernel.Options{
		MaxConcurrent:      o.MaxConcurrent,
		CycleTimeout:       o.CycleTimeout,
		MaxCycles:          a.cfg.Cycle.MaxCycles,
		MaxAttemptsPerHour: o.MaxAttemptsPerHour,
		StuckTimeout:       o.StuckTimeout,
		TickInterval:       o.TickInterval,
	})
}

// unconfiguredCollaborator stands in for a generator and critic that could
// not be built from configuration.
type unconfiguredCollaborator struct {
	err error
}

func (u unconfiguredCollaborator) Propose(context.Context, collab.ProposeRequest) (string, error) {
	return "", u.err
}

func (u unconfiguredCollaborator) GenerateReplacement(context.Context, collab.GenerateRequest) ([]byte, error) {
	return nil, u.err
}

func (u unconfiguredCollaborator) Score(context.Context, collab.ScoreRequest) (collab.Critique, error) {
	return collab.Critique{}, u.err
}

var (
	_ collab.Generator = unconfiguredCollaborator{}
	_ collab.Critic    = unconfiguredCollaborator{}
)
