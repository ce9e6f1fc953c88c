package interceptor

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	otelinfra "stk-relay/internal/infrastructure/observability/otel"
)

// RecoveryInterceptor ハンドラー内のpanicをInternalエラーに変換するインターセプター
func RecoveryInterceptor(logger *otelinfra.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "Panic in gRPC handler", fmt.Errorf("%v", r), map[string]interface{}{
					"method": info.FullMethod,
				})
				resp = nil
				err = status.Error(codes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}
