package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/observability"
)

// RequestIDHeader is the metadata key carrying a caller-chosen request id.
const RequestIDHeader = "x-request-id"

func requestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if ids := md.Get(RequestIDHeader); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// =============================================================================
// LOGGING INTERCEPTOR
// =============================================================================

// LoggingInterceptor logs the start, duration and result of each unary call.
func LoggingInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		rid := requestID(ctx)
		logger.Debug("grpc_request_started",
			"method", info.FullMethod,
			"request_id", rid,
		)

		resp, err := handler(ctx, req)
		logResult(logger, "grpc_request", info.FullMethod, rid, time.Since(start), err)
		return resp, err
	}
}

// StreamLoggingInterceptor is LoggingInterceptor for streams.
func StreamLoggingInterceptor(logger Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		rid := requestID(ss.Context())
		logger.Debug("grpc_stream_started",
			"method", info.FullMethod,
			"request_id", rid,
			"server_stream", info.IsServerStream,
		)

		err := handler(srv, ss)
		logResult(logger, "grpc_stream", info.FullMethod, rid, time.Since(start), err)
		return err
	}
}

func logResult(logger Logger, prefix, method, rid string, elapsed time.Duration, err error) {
	if err == nil {
		logger.Debug(prefix+"_completed",
			"method", method,
			"request_id", rid,
			"duration_ms", elapsed.Milliseconds(),
		)
		return
	}

	st, _ := status.FromError(err)
	// Caller mistakes are not server failures.
	log := logger.Error
	switch st.Code() {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.Canceled:
		log = logger.Warn
	}
	log(prefix+"_failed",
		"method", method,
		"request_id", rid,
		"duration_ms", elapsed.Milliseconds(),
		"code", st.Code().String(),
		"error", err.Error(),
	)
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryHandler converts a recovered panic value into the returned error.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal error with panic details.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor turns handler panics into errors and logs the stack.
func RecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				resp, err = nil, handler(p)
			}
		}()
		return next(ctx, req)
	}
}

// StreamRecoveryInterceptor is RecoveryInterceptor for streams.
func StreamRecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("grpc_stream_panic_recovered",
					"method", info.FullMethod,
					"panic", fmt.Sprintf("%v", p),
					"stack", string(debug.Stack()),
				)
				err = handler(p)
			}
		}()
		return next(srv, ss)
	}
}

// =============================================================================
// METRICS INTERCEPTOR
// =============================================================================

// MetricsInterceptor records request count and latency per method and code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// StreamMetricsInterceptor is MetricsInterceptor for streams.
func StreamMetricsInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return err
	}
}

// =============================================================================
// SERVER OPTIONS BUILDER
// =============================================================================

// ServerOptions returns the standard interceptor chain plus OpenTelemetry
// instrumentation. Metrics wrap recovery, so recovered panics are counted
// as Internal.
func ServerOptions(logger Logger) []grpc.ServerOption {
	if logger == nil {
		logger = nopLogger{}
	}
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			MetricsInterceptor(),
			RecoveryInterceptor(logger, nil),
			LoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamMetricsInterceptor(),
			StreamRecoveryInterceptor(logger, nil),
			StreamLoggingInterceptor(logger),
		),
	}
}
