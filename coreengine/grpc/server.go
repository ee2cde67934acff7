package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jeeves-cluster-organization/autoforge/commbus"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/kernel"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/typeutil"
)

// DefaultSource tags change requests enqueued over gRPC without a source.
const DefaultSource = "grpc"

// eventBuffer is the per-stream backlog of undelivered events.
const eventBuffer = 64

// ControlServer implements ControlServiceServer on top of a kernel.Controller.
type ControlServer struct {
	controller kernel.Controller
	bus        commbus.CommBus
	logger     Logger
}

var _ ControlServiceServer = (*ControlServer)(nil)

// NewControlServer creates a ControlServer. bus may be nil, in which case
// WatchEvents is unavailable.
func NewControlServer(controller kernel.Controller, bus commbus.CommBus, logger Logger) *ControlServer {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ControlServer{controller: controller, bus: bus, logger: logger}
}

// =============================================================================
// Backlog Operations
// =============================================================================

// Enqueue adds a change request: {target, suggestion?, priority?, source?}.
func (s *ControlServer) Enqueue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	args := typeutil.Args(req.AsMap())
	target, err := args.RequireString("target")
	if err != nil {
		return nil, toStatus("enqueue", err)
	}
	suggestion, err := args.String("suggestion")
	if err != nil {
		return nil, toStatus("enqueue", err)
	}
	priority, err := args.Int("priority", 0)
	if err != nil {
		return nil, toStatus("enqueue", err)
	}
	source, err := args.String("source")
	if err != nil {
		return nil, toStatus("enqueue", err)
	}
	if source == "" {
		source = DefaultSource
	}

	item, err := s.controller.Enqueue(ctx, backlog.Submission{
		Target:     target,
		Suggestion: suggestion,
		Priority:   priority,
		Source:     source,
	})
	if err != nil {
		return nil, toStatus("enqueue", err)
	}
	return toStruct(item)
}

// ListBacklog returns {items, count} filtered by {statuses?, target?}.
func (s *ControlServer) ListBacklog(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter, err := parseFilter(typeutil.Args(req.AsMap()))
	if err != nil {
		return nil, err
	}
	items := s.controller.ListBacklog(filter)
	return toStruct(map[string]any{"items": items, "count": len(items)})
}

func parseFilter(args typeutil.Args) (backlog.Filter, error) {
	var f backlog.Filter
	statuses, err := args.StringSlice("statuses")
	if err != nil {
		return f, toStatus("list", err)
	}
	for _, raw := range statuses {
		st := backlog.Status(raw)
		if !st.Valid() {
			return f, status.Errorf(codes.InvalidArgument, "unknown status %q", raw)
		}
		f.Statuses = append(f.Statuses, st)
	}
	if f.Target, err = args.String("target"); err != nil {
		return f, toStatus("list", err)
	}
	return f, nil
}

// GetChangeRequest returns one change request.
func (s *ControlServer) GetChangeRequest(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := validateRequired(req.GetValue(), "id"); err != nil {
		return nil, err
	}
	item, err := s.controller.Get(req.GetValue())
	if err != nil {
		return nil, toStatus("get", err)
	}
	return toStruct(item)
}

// Approve releases a critical change request for execution.
func (s *ControlServer) Approve(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return s.transition(ctx, "approve", req.GetValue(), s.controller.Approve)
}

// Reject terminally rejects a change request waiting for approval.
func (s *ControlServer) Reject(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return s.transition(ctx, "reject", req.GetValue(), s.controller.Reject)
}

// Requeue returns a failed or stuck change request to Pending.
func (s *ControlServer) Requeue(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	return s.transition(ctx, "requeue", req.GetValue(), s.controller.Requeue)
}

func (s *ControlServer) transition(ctx context.Context, op, id string, fn func(context.Context, string) (backlog.ChangeRequest, error)) (*structpb.Struct, error) {
	if err := validateRequired(id, "id"); err != nil {
		return nil, err
	}
	item, err := fn(ctx, id)
	if err != nil {
		return nil, toStatus(op, err)
	}
	return toStruct(item)
}

// =============================================================================
// Execution
// =============================================================================

// ProcessNext runs the next actionable change request to completion.
func (s *ControlServer) ProcessNext(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	result, err := s.controller.ProcessNext(ctx)
	if err != nil {
		return nil, toStatus("process next", err)
	}
	return toStruct(result)
}

// Status returns the backlog counts and running executions.
func (s *ControlServer) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.controller.Status())
}

// =============================================================================
// Event Stream
// =============================================================================

// Event is one bus event as delivered by WatchEvents.
type Event struct {
	Type      string         `json:"type"`
	Category  string         `json:"category"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

func eventFromMessage(msg commbus.Message) (Event, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		Type:      commbus.GetMessageType(msg),
		Category:  msg.Category(),
		Timestamp: time.Now().UTC(),
	}
	if err := json.Unmarshal(data, &ev.Payload); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// WatchEvents streams bus events, optionally limited to {types: [...]},
// until the client goes away. Events are dropped for a client that falls
// more than eventBuffer events behind.
func (s *ControlServer) WatchEvents(req *structpb.Struct, stream EventStream) error {
	if s.bus == nil {
		return status.Error(codes.Unimplemented, "event bus is not configured")
	}
	types, err := typeutil.Args(req.AsMap()).StringSlice("types")
	if err != nil {
		return toStatus("watch", err)
	}
	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	events := make(chan Event, eventBuffer)
	unsubscribe := s.bus.Subscribe(commbus.WildcardEvent, func(_ context.Context, msg commbus.Message) (any, error) {
		msgType := commbus.GetMessageType(msg)
		if len(wanted) > 0 && !wanted[msgType] {
			return nil, nil
		}
		ev, err := eventFromMessage(msg)
		if err != nil {
			s.logger.Warn("event_encode_failed", "event_type", msgType, "error", err.Error())
			return nil, nil
		}
		select {
		case events <- ev:
		default:
			s.logger.Warn("event_subscriber_full", "event_type", msgType)
		}
		return nil, nil
	})
	defer unsubscribe()

	s.logger.Debug("event_watch_started", "types", types)
	for {
		select {
		case <-stream.Context().Done():
			s.logger.Debug("event_watch_ended", "types", types)
			return stream.Context().Err()
		case ev := <-events:
			out, err := toStruct(ev)
			if err != nil {
				return Internal("encode event", err)
			}
			if err := stream.Send(out); err != nil {
				s.logger.Warn("event_send_failed", "error", err.Error())
				return err
			}
		}
	}
}

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server carrying the control and health
// services, with graceful shutdown.
type GracefulServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     Logger
	address    string

	mu         sync.Mutex
	listener   net.Listener
	isShutdown bool
}

// NewGracefulServer creates a server for control listening on address.
// With no opts, ServerOptions is used.
func NewGracefulServer(control *ControlServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(control.logger)
	}

	grpcServer := grpc.NewServer(opts...)
	RegisterControlServiceServer(grpcServer, control)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GracefulServer{
		grpcServer: grpcServer,
		health:     hs,
		logger:     control.logger,
		address:    address,
	}
}

func (s *GracefulServer) listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return lis, nil
}

// Start serves until ctx is cancelled, then stops gracefully and returns
// ctx.Err().
func (s *GracefulServer) Start(ctx context.Context) error {
	errCh, err := s.StartBackground()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// StartBackground starts serving in a goroutine. The returned channel
// receives a serve error, if any, and is closed when serving ends.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	lis, err := s.listen()
	if err != nil {
		return nil, err
	}
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	return errCh, nil
}

// GracefulStop stops accepting connections and waits for in-flight calls,
// open event streams included. Cancel stream clients first, or use
// ShutdownWithTimeout.
func (s *GracefulServer) GracefulStop() {
	if !s.markShutdown() {
		return
	}
	s.health.Shutdown()
	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// Stop closes every connection immediately.
func (s *GracefulServer) Stop() {
	if !s.markShutdown() {
		return
	}
	s.health.Shutdown()
	s.logger.Warn("grpc_immediate_stop")
	s.grpcServer.Stop()
}

func (s *GracefulServer) markShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isShutdown {
		return false
	}
	s.isShutdown = true
	return true
}

// ShutdownWithTimeout stops gracefully, forcing an immediate stop after timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// Address returns the bound address once listening, else the configured one.
func (s *GracefulServer) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
