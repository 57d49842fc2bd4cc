package admin

import (
	"context"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/traffic-gateway/internal/logging"
)

const requestIDMetadataKey = "x-request-id"

// RequestLoggerUnaryServerInterceptor attaches a per-request logger annotated
// with request_id and method. The id comes from inbound metadata when the
// caller sent one.
func RequestLoggerUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			id = firstHeader(md, requestIDMetadataKey)
		}
		if id == "" {
			id = uuid.NewString()
		}
		reqLog := base.With(
			logging.String("request_id", id),
			logging.String("method", info.FullMethod),
		)
		return handler(logging.ContextWithLogger(ctx, reqLog), req)
	}
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
