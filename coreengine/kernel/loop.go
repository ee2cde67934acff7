package kernel

import (
	"context"
	"time"
)

// Run drives the backlog until ctx is cancelled. Every TickInterval it:
//   - requeues InProgress items with no live execution (StuckTimeout)
//   - drops expired attempt-limit windows
//   - dispatches actionable items onto free permits
//
// On cancellation it waits for in-flight executions, which see the same
// cancellation and revert.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	c.logger.Info("coordinator_started",
		"max_concurrent", c.opts.MaxConcurrent,
		"tick_interval", c.opts.TickInterval.String(),
		"cycle_timeout", c.opts.CycleTimeout.String(),
	)

	c.tick(ctx)
	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-ctx.Done():
			c.wg.Wait()
			c.logger.Info("coordinator_stopped")
			return nil
		}
	}
}

// StartLoop runs Run in the background and returns a function that stops it
// and waits for in-flight executions.
func (c *Coordinator) StartLoop(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// tick performs a single loop iteration with panic recovery.
func (c *Coordinator) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("tick_panic_recovered", "error", r)
		}
	}()

	reaped := c.ReapStuck(ctx, c.opts.StuckTimeout)
	windows := c.limiter.CleanupExpired()
	started := c.Dispatch(ctx)

	c.logger.Debug("tick_completed",
		"reaped", len(reaped),
		"limiter_windows_cleaned", windows,
		"started", started,
	)
}
