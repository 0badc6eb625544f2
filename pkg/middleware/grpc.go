// Package middleware gRPC 服务端拦截器
package middleware

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	bizerr "github.com/polipireddirohith/government-fund-blockchain/pkg/errors"
	"github.com/polipireddirohith/government-fund-blockchain/pkg/logger"
)

// TraceIDKey 请求追踪 ID 的 metadata key
const TraceIDKey = "x-trace-id"

// RecoveryUnaryServerInterceptor panic 恢复拦截器
func RecoveryUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc panic recovered",
					zap.Any("panic", r),
					zap.String("method", info.FullMethod),
					zap.String("stack", string(debug.Stack())))
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()

		return handler(ctx, req)
	}
}

// UnaryServerInterceptor 绑定 trace_id 并记录请求日志，业务错误转换为 gRPC status
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		traceID := extractTraceID(ctx)
		if traceID == "" {
			traceID = uuid.New().String()
		}
		ctx = logger.NewContext(ctx,
			zap.String("trace_id", traceID),
			zap.String("method", info.FullMethod))

		resp, err := handler(ctx, req)
		duration := time.Since(start)

		if err != nil {
			if _, ok := status.FromError(err); !ok {
				err = bizerr.ToGRPCError(err)
			}
			st, _ := status.FromError(err)
			logger.WithContext(ctx).Error("grpc request failed",
				zap.Duration("duration", duration),
				zap.String("code", st.Code().String()),
				zap.String("error", st.Message()))
			return resp, err
		}

		logger.WithContext(ctx).Debug("grpc request completed", zap.Duration("duration", duration))
		return resp, nil
	}
}

func extractTraceID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(TraceIDKey); len(values) > 0 {
		return values[0]
	}
	return ""
}
