package grpc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/autoforge/commbus"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/config"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/kernel"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/testutil"
)

// stubRunner promotes every target except those listed in fail.
type stubRunner struct {
	fail map[string]bool
}

func (r stubRunner) Run(_ context.Context, req kernel.RunRequest) (kernel.RunReport, error) {
	if r.fail[req.Target] {
		return kernel.RunReport{
			Outcome:       "RevertedLocal",
			FailedGate:    "syntax",
			Reason:        "unexpected EOF",
			ArtifactState: "reverted",
			Cycles:        1,
		}, nil
	}
	return kernel.RunReport{Success: true, Outcome: "Promoted", ArtifactState: "promoted", Cycles: 1}, nil
}

type harness struct {
	bus    *commbus.InMemoryCommBus
	server *GracefulServer
	client *Client
	logger *testutil.MockLogger
}

func newHarness(t *testing.T, runner kernel.EngineRunner) *harness {
	t.Helper()
	bl, err := backlog.Open(filepath.Join(t.TempDir(), "backlog.json"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.CriticalTargets = []string{"core/*"}

	bus := commbus.NewInMemoryCommBus(time.Second, nil)
	logger := testutil.NewMockLogger()
	coord, err := kernel.NewCoordinator(context.Background(), bl, runner, bus, cfg, logger,
		kernel.Options{MaxConcurrent: 1, CycleTimeout: 5 * time.Second})
	require.NoError(t, err)

	server := NewGracefulServer(NewControlServer(coord, bus, logger), "127.0.0.1:0")
	_, err = server.StartBackground()
	require.NoError(t, err)
	t.Cleanup(server.Stop)

	client, err := Dial(server.Address())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &harness{bus: bus, server: server, client: client, logger: logger}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestControlServer_Health(t *testing.T) {
	h := newHarness(t, stubRunner{})
	require.NoError(t, h.client.Ping(ctxT(t)))

	h.server.GracefulStop()
	assert.Error(t, h.client.Ping(ctxT(t)))
}

func TestControlServer_Enqueue(t *testing.T) {
	h := newHarness(t, stubRunner{})
	ctx := ctxT(t)

	item, err := h.client.Enqueue(ctx, backlog.Submission{Target: "moduleA.go", Suggestion: "tighten loop", Priority: 3})
	require.NoError(t, err)
	assert.Regexp(t, `^cr_`, item.ID)
	assert.Equal(t, backlog.StatusPending, item.Status)
	assert.Equal(t, 3, item.Priority)
	assert.Equal(t, DefaultSource, item.Source, "missing source defaults to grpc")

	_, err = h.client.Enqueue(ctx, backlog.Submission{Target: "  "})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	got, err := h.client.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.Equal(t, "tighten loop", got.Suggestion)
}

func TestControlServer_ApprovalFlow(t *testing.T) {
	h := newHarness(t, stubRunner{})
	ctx := ctxT(t)

	critical, err := h.client.Enqueue(ctx, backlog.Submission{Target: "core/agent.go", Source: "operator"})
	require.NoError(t, err)
	assert.True(t, critical.IsCritical)
	assert.Equal(t, backlog.StatusPendingApproval, critical.Status)

	approved, err := h.client.Approve(ctx, critical.ID)
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusPending, approved.Status)
	require.NotNil(t, approved.ApprovedAt)

	_, err = h.client.Approve(ctx, critical.ID)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "approving twice is refused")

	other, err := h.client.Enqueue(ctx, backlog.Submission{Target: "core/loop.go"})
	require.NoError(t, err)
	rejected, err := h.client.Reject(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusRejectedManual, rejected.Status)

	_, err = h.client.Reject(ctx, "cr_missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.Approve(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestControlServer_ListBacklog(t *testing.T) {
	h := newHarness(t, stubRunner{})
	ctx := ctxT(t)

	_, err := h.client.Enqueue(ctx, backlog.Submission{Target: "a.go"})
	require.NoError(t, err)
	_, err = h.client.Enqueue(ctx, backlog.Submission{Target: "core/b.go"})
	require.NoError(t, err)

	all, err := h.client.ListBacklog(ctx, backlog.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	waiting, err := h.client.ListBacklog(ctx, backlog.Filter{Statuses: []backlog.Status{backlog.StatusPendingApproval}})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, "core/b.go", waiting[0].Target)

	byTarget, err := h.client.ListBacklog(ctx, backlog.Filter{Target: "a.go"})
	require.NoError(t, err)
	require.Len(t, byTarget, 1)

	_, err = h.client.ListBacklog(ctx, backlog.Filter{Statuses: []backlog.Status{"Sleeping"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestControlServer_ProcessNextAndRequeue(t *testing.T) {
	h := newHarness(t, stubRunner{fail: map[string]bool{"broken.go": true}})
	ctx := ctxT(t)

	good, err := h.client.Enqueue(ctx, backlog.Submission{Target: "good.go", Priority: 5})
	require.NoError(t, err)
	bad, err := h.client.Enqueue(ctx, backlog.Submission{Target: "broken.go", Priority: 1})
	require.NoError(t, err)

	first, err := h.client.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, first.Processed())
	assert.Equal(t, good.ID, first.Item.ID)
	assert.Equal(t, backlog.StatusCompletedSuccess, first.Item.Status)
	require.NotNil(t, first.Report)
	assert.True(t, first.Report.Success)

	second, err := h.client.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, second.Processed())
	assert.Equal(t, bad.ID, second.Item.ID)
	assert.Equal(t, backlog.StatusCompletedFailure, second.Item.Status)
	assert.Equal(t, "syntax", second.Item.LastGate)
	assert.Equal(t, "reverted", second.Item.ArtifactState)

	idle, err := h.client.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, idle.Processed())

	requeued, err := h.client.Requeue(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusPending, requeued.Status)

	_, err = h.client.Requeue(ctx, good.ID)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "successful items stay completed")
}

func TestControlServer_Status(t *testing.T) {
	h := newHarness(t, stubRunner{})
	ctx := ctxT(t)

	_, err := h.client.Enqueue(ctx, backlog.Submission{Target: "a.go"})
	require.NoError(t, err)
	_, err = h.client.Enqueue(ctx, backlog.Submission{Target: "core/b.go"})
	require.NoError(t, err)

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Counts[backlog.StatusPending])
	assert.Equal(t, 1, st.Counts[backlog.StatusPendingApproval])
	assert.Equal(t, 1, st.PermitsTotal)
	assert.Empty(t, st.Running)
}

func TestControlServer_WatchEvents(t *testing.T) {
	h := newHarness(t, stubRunner{})
	ctx, cancel := context.WithCancel(ctxT(t))
	defer cancel()

	events := make(chan Event, 8)
	done := make(chan error, 1)
	go func() {
		done <- h.client.WatchEvents(ctx, []string{commbus.EventBacklogEnqueued, commbus.EventBacklogApprovalRequested}, func(ev Event) error {
			events <- ev
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount(commbus.WildcardEvent) == 1
	}, 2*time.Second, 5*time.Millisecond)

	item, err := h.client.Enqueue(ctx, backlog.Submission{Target: "core/agent.go"})
	require.NoError(t, err)

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d events, want 2", len(got))
		}
	}
	assert.Equal(t, commbus.EventBacklogEnqueued, got[0].Type)
	assert.Equal(t, "event", got[0].Category)
	assert.Equal(t, item.ID, got[0].Payload["request_id"])
	assert.Equal(t, true, got[0].Payload["is_critical"])
	assert.Equal(t, commbus.EventBacklogApprovalRequested, got[1].Type)

	_, err = h.client.Approve(ctx, item.ID)
	require.NoError(t, err)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s outside the requested types", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	err = <-done
	assert.Equal(t, codes.Canceled, status.Code(err))
	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount(commbus.WildcardEvent) == 0
	}, 2*time.Second, 5*time.Millisecond, "the stream unsubscribes when the client leaves")
}

func TestControlServer_WatchEventsCallbackError(t *testing.T) {
	h := newHarness(t, stubRunner{})
	ctx := ctxT(t)
	stop := errors.New("seen enough")

	done := make(chan error, 1)
	go func() {
		done <- h.client.WatchEvents(ctx, nil, func(Event) error { return stop })
	}()
	require.Eventually(t, func() bool {
		return h.bus.SubscriberCount(commbus.WildcardEvent) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.client.Enqueue(ctx, backlog.Submission{Target: "a.go"})
	require.NoError(t, err)
	assert.ErrorIs(t, <-done, stop)
}

func TestControlServer_WatchEventsWithoutBus(t *testing.T) {
	srv := NewControlServer(nil, nil, nil)
	err := srv.WatchEvents(nil, nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestGracefulServer_StartStopsOnCancel(t *testing.T) {
	bl := backlog.New(filepath.Join(t.TempDir(), "backlog.json"))
	coord, err := kernel.NewCoordinator(context.Background(), bl, stubRunner{}, nil, nil, nil, kernel.Options{})
	require.NoError(t, err)
	logger := testutil.NewMockLogger()
	server := NewGracefulServer(NewControlServer(coord, nil, logger), "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	require.Eventually(t, func() bool { return logger.HasLog("info", "grpc_server_started") }, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, "127.0.0.1:0", server.Address(), "the bound port is reported")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, logger.HasLog("info", "grpc_graceful_stop_completed"))

	server.GracefulStop()
	server.Stop()
}

func TestGracefulServer_ListenError(t *testing.T) {
	server := NewGracefulServer(NewControlServer(nil, nil, nil), "256.0.0.1:bad")
	_, err := server.StartBackground()
	assert.ErrorContains(t, err, "failed to listen")
}
