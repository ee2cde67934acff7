package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/jeeves-cluster-organization/autoforge/commbus"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/cycle"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/observability"
)

// CriticalPolicy decides which targets need operator approval.
// *config.Config implements it.
type CriticalPolicy interface {
	IsCritical(target string) bool
}

// Coordinator is the orchestrator. It is the only writer of its backlog.
//
// Every execution goes through the same steps:
//  1. acquire a permit (bounded by MaxConcurrent)
//  2. select the next actionable item and persist it as InProgress
//  3. run the engine with a hard timeout
//  4. persist the terminal status and publish the outcome
type Coordinator struct {
	backlog *backlog.Backlog
	runner  EngineRunner
	bus     commbus.CommBus
	policy  CriticalPolicy
	logger  Logger
	opts    Options

	sem     *semaphore.Weighted
	inUse   atomic.Int64
	limiter *AttemptLimiter

	// claimMu serializes selection + InProgress marking, and the reaper.
	claimMu sync.Mutex

	mu      sync.RWMutex
	running map[string]RunningItem

	wg        sync.WaitGroup
	startedAt time.Time
	now       func() time.Time
}

var _ Controller = (*Coordinator)(nil)

// NewCoordinator creates a Coordinator. Items left InProgress by a previous
// process are returned to Pending before anything else happens, and the
// backlog command and status query are registered on bus.
func NewCoordinator(ctx context.Context, bl *backlog.Backlog, runner EngineRunner, bus commbus.CommBus, policy CriticalPolicy, logger Logger, opts Options) (*Coordinator, error) {
	if bl == nil {
		return nil, errors.New("coordinator: backlog is required")
	}
	if runner == nil {
		return nil, errors.New("coordinator: engine runner is required")
	}
	if logger == nil {
		logger = nopLogger{}
	}
	opts = opts.withDefaults()

	c := &Coordinator{
		backlog:   bl,
		runner:    runner,
		bus:       bus,
		policy:    policy,
		logger:    logger,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		limiter:   NewAttemptLimiter(opts.MaxAttemptsPerHour),
		running:   make(map[string]RunningItem),
		startedAt: time.Now(),
		now:       time.Now,
	}

	if err := c.reconcileOrphans(ctx); err != nil {
		return nil, err
	}
	if err := c.registerHandlers(); err != nil {
		return nil, err
	}
	c.updateGauges()
	return c, nil
}

// Backlog returns the owned backlog.
func (c *Coordinator) Backlog() *backlog.Backlog { return c.backlog }

// Limiter returns the per-target attempt limiter.
func (c *Coordinator) Limiter() *AttemptLimiter { return c.limiter }

func (c *Coordinator) reconcileOrphans(ctx context.Context) error {
	orphans, err := c.backlog.ResetOrphans()
	if err != nil {
		return fmt.Errorf("reset orphaned items: %w", err)
	}
	for _, item := range orphans {
		c.logger.Warn("orphan_requeued",
			"request_id", item.ID,
			"target", item.Target,
			"attempt_count", item.AttemptCount,
			"kind", string(cycle.KindOrphanedExecution),
		)
		c.publish(ctx, &commbus.ChangeRequestRequeued{RequestID: item.ID, Target: item.Target, Reason: "orphaned"})
	}
	return nil
}

// =============================================================================
// CONTROL SURFACE
// =============================================================================

// Enqueue adds a change request. Targets covered by the critical policy wait
// in PendingApproval.
func (c *Coordinator) Enqueue(ctx context.Context, sub backlog.Submission) (backlog.ChangeRequest, error) {
	critical := c.policy != nil && c.policy.IsCritical(sub.Target)
	item, err := c.backlog.Enqueue(sub, critical)
	if err != nil {
		return backlog.ChangeRequest{}, err
	}

	c.logger.Info("change_request_enqueued",
		"request_id", item.ID,
		"target", item.Target,
		"priority", item.Priority,
		"is_critical", item.IsCritical,
	)
	c.publish(ctx, &commbus.ChangeRequestEnqueued{
		RequestID:  item.ID,
		Target:     item.Target,
		Priority:   item.Priority,
		IsCritical: item.IsCritical,
		Status:     string(item.Status),
		Source:     item.Source,
	})
	if item.Status == backlog.StatusPendingApproval {
		c.publish(ctx, &commbus.ApprovalRequested{RequestID: item.ID, Target: item.Target, Suggestion: item.Suggestion})
	}
	c.updateGauges()
	return item, nil
}

// ListBacklog returns the items matching f in insertion order.
func (c *Coordinator) ListBacklog(f backlog.Filter) []backlog.ChangeRequest {
	return c.backlog.List(f)
}

// Get returns one item.
func (c *Coordinator) Get(id string) (backlog.ChangeRequest, error) {
	return c.backlog.Get(id)
}

// Approve releases a critical item for execution.
func (c *Coordinator) Approve(ctx context.Context, id string) (backlog.ChangeRequest, error) {
	item, err := c.backlog.Approve(id)
	if err != nil {
		return backlog.ChangeRequest{}, err
	}
	c.logger.Info("change_request_approved", "request_id", item.ID, "target", item.Target)
	c.publish(ctx, &commbus.ChangeRequestApproved{RequestID: item.ID, Target: item.Target})
	c.updateGauges()
	return item, nil
}

// Reject closes a critical item without running it.
func (c *Coordinator) Reject(ctx context.Context, id string) (backlog.ChangeRequest, error) {
	item, err := c.backlog.Reject(id)
	if err != nil {
		return backlog.ChangeRequest{}, err
	}
	c.logger.Info("change_request_rejected", "request_id", item.ID, "target", item.Target)
	c.publish(ctx, &commbus.ChangeRequestRejected{RequestID: item.ID, Target: item.Target})
	c.updateGauges()
	return item, nil
}

// Requeue returns a failed item to Pending.
func (c *Coordinator) Requeue(ctx context.Context, id string) (backlog.ChangeRequest, error) {
	item, err := c.backlog.Requeue(id)
	if err != nil {
		return backlog.ChangeRequest{}, err
	}
	c.logger.Info("change_request_requeued", "request_id", item.ID, "target", item.Target, "reason", "operator")
	c.publish(ctx, &commbus.ChangeRequestRequeued{RequestID: item.ID, Target: item.Target, Reason: "operator"})
	c.updateGauges()
	return item, nil
}

// ProcessNext waits for a permit, then runs the next actionable item to
// completion. It returns an empty result when nothing is actionable.
func (c *Coordinator) ProcessNext(ctx context.Context) (ProcessResult, error) {
	if err := c.acquire(ctx); err != nil {
		return ProcessResult{}, err
	}
	defer c.releasePermit()

	item, ok, err := c.claim()
	if err != nil || !ok {
		return ProcessResult{}, err
	}

	done, report := c.execute(ctx, item)
	return ProcessResult{Item: &done, Report: &report}, nil
}

// Dispatch starts as many actionable items as there are free permits and
// returns without waiting for them. It returns the number started.
func (c *Coordinator) Dispatch(ctx context.Context) int {
	started := 0
	for ctx.Err() == nil {
		if !c.tryAcquire() {
			break
		}
		item, ok, err := c.claim()
		if err != nil {
			c.logger.Error("dispatch_claim_failed", "error", err.Error())
		}
		if err != nil || !ok {
			c.releasePermit()
			break
		}

		c.wg.Add(1)
		SafeGo(c.logger, "execute_change_request", func() {
			defer c.wg.Done()
			defer c.releasePermit()
			c.execute(ctx, item)
		}, nil)
		started++
	}
	return started
}

// Wait blocks until every execution started by Dispatch has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Status returns a snapshot of the backlog and the running executions.
func (c *Coordinator) Status() Status {
	counts := c.backlog.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}

	c.mu.RLock()
	running := make([]RunningItem, 0, len(c.running))
	for _, r := range c.running {
		running = append(running, r)
	}
	c.mu.RUnlock()
	sort.Slice(running, func(i, j int) bool { return running[i].StartedAt.Before(running[j].StartedAt) })

	return Status{
		Counts:        counts,
		Total:         total,
		Running:       running,
		PermitsTotal:  c.opts.MaxConcurrent,
		PermitsInUse:  int(c.inUse.Load()),
		StartedAt:     c.startedAt,
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
	}
}

// ReapStuck returns to Pending every InProgress item that has no live
// execution in this process and was last attempted before olderThan ago.
func (c *Coordinator) ReapStuck(ctx context.Context, olderThan time.Duration) []backlog.ChangeRequest {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	cutoff := c.now().Add(-olderThan)
	var reaped []backlog.ChangeRequest
	for _, item := range c.backlog.List(backlog.Filter{Statuses: []backlog.Status{backlog.StatusInProgress}}) {
		if c.isRunning(item.ID) {
			continue
		}
		if item.LastAttemptedAt != nil && item.LastAttemptedAt.After(cutoff) {
			continue
		}
		released, err := c.backlog.Release(item.ID, "no live execution after "+olderThan.String())
		if err != nil {
			c.logger.Error("stuck_release_failed", "request_id", item.ID, "error", err.Error())
			continue
		}
		c.logger.Warn("stuck_requeued", "request_id", item.ID, "target", item.Target)
		c.publish(ctx, &commbus.ChangeRequestRequeued{RequestID: item.ID, Target: item.Target, Reason: "stuck"})
		reaped = append(reaped, released)
	}
	if len(reaped) > 0 {
		c.updateGauges()
	}
	return reaped
}

// =============================================================================
// EXECUTION
// =============================================================================

// claim selects the next actionable item and persists it as InProgress.
// Targets over their hourly attempt budget are skipped.
func (c *Coordinator) claim() (backlog.ChangeRequest, bool, error) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	next, ok := c.backlog.SelectNextActionable(func(target string) bool {
		return !c.limiter.Allow(target)
	})
	if !ok {
		return backlog.ChangeRequest{}, false, nil
	}

	item, err := c.backlog.MarkInProgress(next.ID)
	if err != nil {
		return backlog.ChangeRequest{}, false, fmt.Errorf("mark %s in progress: %w", next.ID, err)
	}
	c.limiter.Record(item.Target)

	c.mu.Lock()
	c.running[item.ID] = RunningItem{
		RequestID: item.ID,
		Target:    item.Target,
		Attempt:   item.AttemptCount,
		StartedAt: c.now(),
	}
	c.mu.Unlock()
	return item, true, nil
}

// execute runs the engine for a claimed item and records the result.
func (c *Coordinator) execute(ctx context.Context, item backlog.ChangeRequest) (backlog.ChangeRequest, RunReport) {
	defer func() {
		c.mu.Lock()
		delete(c.running, item.ID)
		c.mu.Unlock()
		c.updateGauges()
	}()

	start := time.Now()
	observability.CycleStarted()
	defer observability.CycleFinished()

	ctx, span := observability.StartSpan(ctx, "kernel.execute",
		attribute.String("request_id", item.ID),
		attribute.String("target", item.Target),
		attribute.Int("attempt", item.AttemptCount),
	)

	c.logger.Info("campaign_started", "request_id", item.ID, "target", item.Target, "attempt", item.AttemptCount)
	c.publish(ctx, &commbus.CampaignStarted{RequestID: item.ID, Target: item.Target, Attempt: item.AttemptCount})

	runCtx, cancel := context.WithTimeout(ctx, c.opts.CycleTimeout)
	report, err := SafeExecuteWithResult(c.logger, "engine_run", func() (RunReport, error) {
		return c.runner.Run(runCtx, RunRequest{
			RequestID:  item.ID,
			Target:     item.Target,
			Suggestion: item.Suggestion,
			MaxCycles:  c.opts.MaxCycles,
		})
	})
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("engine run exceeded %s: %w", c.opts.CycleTimeout, err)
	}
	cancel()

	if err != nil {
		c.logger.Error("engine_run_failed", "request_id", item.ID, "target", item.Target, "error", err.Error())
		report = infraReport(err)
	}
	durationMS := time.Since(start).Milliseconds()

	done, cerr := c.backlog.Complete(item.ID, report.completion())
	if cerr != nil {
		// The item stays InProgress; the reaper returns it to Pending.
		c.logger.Error("complete_persist_failed", "request_id", item.ID, "error", cerr.Error())
		done = item
	}

	if report.Success {
		c.logger.Info("campaign_completed", "request_id", item.ID, "target", item.Target, "cycles", report.Cycles, "duration_ms", durationMS)
		observability.RecordCampaign("success", durationMS)
		c.publish(ctx, &commbus.CampaignCompleted{
			RequestID:     item.ID,
			Target:        item.Target,
			Outcome:       report.Outcome,
			Cycles:        report.Cycles,
			ArtifactState: report.ArtifactState,
			DurationMS:    durationMS,
		})
		if report.RequiresRestart {
			c.logger.Warn("agent_requires_restart", "request_id", item.ID, "target", item.Target)
			c.publish(ctx, &commbus.AgentRequiresRestart{RequestID: item.ID, Target: item.Target})
		}
	} else {
		c.logger.Warn("campaign_failed",
			"request_id", item.ID,
			"target", item.Target,
			"outcome", report.Outcome,
			"failed_gate", report.FailedGate,
			"artifact_state", report.ArtifactState,
		)
		observability.RecordCampaign("failure", durationMS)
		c.publish(ctx, &commbus.CampaignFailed{
			RequestID:     item.ID,
			Target:        item.Target,
			Outcome:       report.Outcome,
			FailedGate:    report.FailedGate,
			Reason:        report.Reason,
			ArtifactState: report.ArtifactState,
			DurationMS:    durationMS,
		})
		if report.ArtifactState == string(cycle.StateUnknown) {
			c.publish(ctx, &commbus.ArtifactDegraded{RequestID: item.ID, Target: item.Target, Reason: report.Reason})
		}
	}

	observability.EndSpan(span, err)
	return done, report
}

// =============================================================================
// BUS HANDLERS
// =============================================================================

func (c *Coordinator) registerHandlers() error {
	if c.bus == nil {
		return nil
	}
	if err := c.bus.RegisterHandler(commbus.CommandEnqueueChangeRequest, c.handleEnqueue); err != nil {
		return fmt.Errorf("register %s: %w", commbus.CommandEnqueueChangeRequest, err)
	}
	if err := c.bus.RegisterHandler(commbus.QueryBacklogStatus, c.handleStatus); err != nil {
		return fmt.Errorf("register %s: %w", commbus.QueryBacklogStatus, err)
	}
	return nil
}

func (c *Coordinator) handleEnqueue(ctx context.Context, msg commbus.Message) (any, error) {
	cmd, ok := msg.(*commbus.EnqueueChangeRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected message %T", msg)
	}
	source := cmd.Source
	if source == "" {
		source = "bus"
	}
	item, err := c.Enqueue(ctx, backlog.Submission{
		Target:     cmd.Target,
		Suggestion: cmd.Suggestion,
		Priority:   cmd.Priority,
		Source:     source,
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (c *Coordinator) handleStatus(context.Context, commbus.Message) (any, error) {
	return c.Status(), nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (c *Coordinator) publish(ctx context.Context, event commbus.Message) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Warn("event_publish_failed", "event_type", commbus.GetMessageType(event), "error", err.Error())
	}
}

func (c *Coordinator) acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.inUse.Add(1)
	return nil
}

func (c *Coordinator) tryAcquire() bool {
	if !c.sem.TryAcquire(1) {
		return false
	}
	c.inUse.Add(1)
	return true
}

func (c *Coordinator) releasePermit() {
	c.inUse.Add(-1)
	c.sem.Release(1)
}

func (c *Coordinator) isRunning(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.running[id]
	return ok
}

func (c *Coordinator) updateGauges() {
	counts := c.backlog.Counts()
	statuses := make([]string, 0, len(backlog.AllStatuses))
	byName := make(map[string]int, len(counts))
	for _, s := range backlog.AllStatuses {
		statuses = append(statuses, string(s))
		byName[string(s)] = counts[s]
	}
	observability.SetBacklogCounts(statuses, byName)
}
