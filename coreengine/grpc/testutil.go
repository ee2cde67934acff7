package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// MockServerStream implements grpc.ServerStream for interceptor tests.
type MockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// NewMockServerStream creates a stream whose Context returns ctx.
func NewMockServerStream(ctx context.Context) *MockServerStream {
	return &MockServerStream{ctx: ctx}
}

func (m *MockServerStream) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// ContextWithRequestID returns an incoming context carrying the request id
// header, as a server handler would see it.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return metadata.NewIncomingContext(ctx, metadata.Pairs(RequestIDHeader, id))
}
