package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-expenses/internal/logger"
	"github.com/pesio-ai/be-expenses/internal/middleware"
)

// unaryLogger logs one line per unary call, tagged with the caller's request
// ID when the x-request-id metadata key is present.
func unaryLogger(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		evt := log.Debug()
		if err != nil {
			evt = log.Warn().Err(err)
		}
		evt.Str("method", info.FullMethod).
			Str("request_id", requestID(ctx)).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}

// unaryRecovery turns handler panics into codes.Internal.
func unaryRecovery(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Error().
					Interface("panic", p).
					Str("method", info.FullMethod).
					Msg("recovered from panic")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

func requestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(middleware.RequestIDHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}
