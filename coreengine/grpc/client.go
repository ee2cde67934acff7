package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/backlog"
	"github.com/jeeves-cluster-organization/autoforge/coreengine/kernel"
)

// Client is a typed client for ControlService.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to a control server. With no opts the connection is
// plaintext and traced.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		}
	}
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Ping fails unless the server reports the control service as serving.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("control service is %s", resp.GetStatus())
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, in any, out any) error {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

// Enqueue adds a change request.
func (c *Client) Enqueue(ctx context.Context, sub backlog.Submission) (backlog.ChangeRequest, error) {
	req, err := structpb.NewStruct(map[string]any{
		"target":     sub.Target,
		"suggestion": sub.Suggestion,
		"priority":   sub.Priority,
		"source":     sub.Source,
	})
	if err != nil {
		return backlog.ChangeRequest{}, err
	}
	var item backlog.ChangeRequest
	err = c.call(ctx, methodEnqueue, req, &item)
	return item, err
}

// ListBacklog returns the items matching f.
func (c *Client) ListBacklog(ctx context.Context, f backlog.Filter) ([]backlog.ChangeRequest, error) {
	statuses := make([]any, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	req, err := structpb.NewStruct(map[string]any{"statuses": statuses, "target": f.Target})
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []backlog.ChangeRequest `json:"items"`
	}
	if err := c.call(ctx, methodListBacklog, req, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Get returns one change request.
func (c *Client) Get(ctx context.Context, id string) (backlog.ChangeRequest, error) {
	return c.byID(ctx, methodGetChangeRequest, id)
}

// Approve releases a critical change request.
func (c *Client) Approve(ctx context.Context, id string) (backlog.ChangeRequest, error) {
	return c.byID(ctx, methodApprove, id)
}

// Reject rejects a change request waiting for approval.
func (c *Client) Reject(ctx context.Context, id string) (backlog.ChangeRequest, error) {
	return c.byID(ctx, methodReject, id)
}

// Requeue returns a change request to Pending.
func (c *Client) Requeue(ctx context.Context, id string) (backlog.ChangeRequest, error) {
	return c.byID(ctx, methodRequeue, id)
}

func (c *Client) byID(ctx context.Context, method, id string) (backlog.ChangeRequest, error) {
	var item backlog.ChangeRequest
	err := c.call(ctx, method, wrapperspb.String(id), &item)
	return item, err
}

// ProcessNext runs the next actionable change request on the server.
func (c *Client) ProcessNext(ctx context.Context) (kernel.ProcessResult, error) {
	var result kernel.ProcessResult
	err := c.call(ctx, methodProcessNext, &emptypb.Empty{}, &result)
	return result, err
}

// Status returns the server's backlog and execution snapshot.
func (c *Client) Status(ctx context.Context) (kernel.Status, error) {
	var st kernel.Status
	err := c.call(ctx, methodStatus, &emptypb.Empty{}, &st)
	return st, err
}

// WatchEvents calls fn for each event of the given types (all when empty)
// until ctx is done, the server ends the stream, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, types []string, fn func(Event) error) error {
	list := make([]any, 0, len(types))
	for _, t := range types {
		list = append(list, t)
	}
	req, err := structpb.NewStruct(map[string]any{"types": list})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &ControlServiceDesc.Streams[0], methodWatchEvents)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var ev Event
		if err := fromStruct(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
