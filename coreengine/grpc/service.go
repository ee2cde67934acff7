// Package grpc serves the orchestrator control surface over gRPC.
//
// The service is described by hand rather than generated: every payload is a
// protobuf well-known type (Struct, StringValue, Empty), so the wire format is
// plain protobuf and any gRPC client with the well-known types can call it.
//
//	autoforge.v1.ControlService
//	  Enqueue(Struct)                -> Struct         change request
//	  ListBacklog(Struct)            -> Struct         {items, count}
//	  GetChangeRequest(StringValue)  -> Struct         change request
//	  Approve(StringValue)           -> Struct         change request
//	  Reject(StringValue)            -> Struct         change request
//	  Requeue(StringValue)           -> Struct         change request
//	  ProcessNext(Empty)             -> Struct         {item, report}
//	  Status(Empty)                  -> Struct         status snapshot
//	  WatchEvents(Struct)            -> stream Struct  bus events
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified service name.
const ServiceName = "autoforge.v1.ControlService"

const (
	methodEnqueue          = "/" + ServiceName + "/Enqueue"
	methodListBacklog      = "/" + ServiceName + "/ListBacklog"
	methodGetChangeRequest = "/" + ServiceName + "/GetChangeRequest"
	methodApprove          = "/" + ServiceName + "/Approve"
	methodReject           = "/" + ServiceName + "/Reject"
	methodRequeue          = "/" + ServiceName + "/Requeue"
	methodProcessNext      = "/" + ServiceName + "/ProcessNext"
	methodStatus           = "/" + ServiceName + "/Status"
	methodWatchEvents      = "/" + ServiceName + "/WatchEvents"
)

// Logger is the structured logger used by the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// ControlServiceServer is the server API for autoforge.v1.ControlService.
type ControlServiceServer interface {
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListBacklog(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetChangeRequest(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Approve(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Reject(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Requeue(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ProcessNext(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

// ControlServiceDesc describes autoforge.v1.ControlService for grpc.Server.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Enqueue", ControlServiceServer.Enqueue),
		unaryMethod("ListBacklog", ControlServiceServer.ListBacklog),
		unaryMethod("GetChangeRequest", ControlServiceServer.GetChangeRequest),
		unaryMethod("Approve", ControlServiceServer.Approve),
		unaryMethod("Reject", ControlServiceServer.Reject),
		unaryMethod("Requeue", ControlServiceServer.Requeue),
		unaryMethod("ProcessNext", ControlServiceServer.ProcessNext),
		unaryMethod("Status", ControlServiceServer.Status),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "autoforge/v1/control.proto",
}

// RegisterControlServiceServer registers srv on s.
func RegisterControlServiceServer(s grpc.ServiceRegistrar, srv ControlServiceServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

func unaryMethod[Req any](name string, call func(ControlServiceServer, context.Context, *Req) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServiceServer), ctx, req.(*Req))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServiceServer).WatchEvents(in, &eventStream{stream})
}

// =============================================================================
// STRUCT CODEC
// =============================================================================

// toStruct converts a JSON-tagged value into a Struct. v must encode as a
// JSON object.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// fromStruct decodes s into the JSON-tagged value v.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
