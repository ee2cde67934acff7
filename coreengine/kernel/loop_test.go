package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
)

func TestLoopDispatchesUntilStopped(t *testing.T) {
	f := newFixture(t, withOptions(Options{TickInterval: 10 * time.Millisecond, CycleTimeout: time.Second}))
	first := f.enqueue(t, "a.go", 1)

	stop := f.coordinator.StartLoop(context.Background())
	defer stop()

	require.Eventually(t, func() bool {
		return f.get(t, first.ID).Status == backlog.StatusCompletedSuccess
	}, 2*time.Second, 5*time.Millisecond)

	second := f.enqueue(t, "b.go", 1)
	require.Eventually(t, func() bool {
		return f.get(t, second.ID).Status == backlog.StatusCompletedSuccess
	}, 2*time.Second, 5*time.Millisecond, "items enqueued later are picked up on the next tick")
}

func TestLoopStopCancelsInFlight(t *testing.T) {
	f := newFixture(t, withOptions(Options{TickInterval: 10 * time.Millisecond, CycleTimeout: time.Minute}))
	f.runner.block = make(chan struct{})
	f.runner.started = make(chan RunRequest, 1)
	item := f.enqueue(t, "a.go", 1)

	stop := f.coordinator.StartLoop(context.Background())
	<-f.runner.started

	stop()

	got := f.get(t, item.ID)
	assert.Equal(t, backlog.StatusCompletedFailure, got.Status, "stop waits for the execution to record its result")
	assert.Empty(t, f.coordinator.Status().Running)
	assert.True(t, f.logger.HasLog("info", "coordinator_stopped"))
}

func TestLoopReapsStuckItems(t *testing.T) {
	f := newFixture(t, withOptions(Options{TickInterval: 10 * time.Millisecond, StuckTimeout: time.Nanosecond}))
	item := f.enqueue(t, "a.go", 1)
	_, err := f.backlog.MarkInProgress(item.ID)
	require.NoError(t, err)

	stop := f.coordinator.StartLoop(context.Background())
	defer stop()

	require.Eventually(t, func() bool {
		return f.get(t, item.ID).Status == backlog.StatusCompletedSuccess
	}, 2*time.Second, 5*time.Millisecond, "the reaped item is dispatched again")
	assert.True(t, f.logger.HasLog("warn", "stuck_requeued"))
	assert.Equal(t, 2, f.get(t, item.ID).AttemptCount)
}
