package grpcserver

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/and161185/vaultbridge/internal/messaging"
)

// bridgeFields describes a bridge call by request type and outcome kind.
// Payloads are never logged: they carry master passwords.
func bridgeFields(req, resp any) []zap.Field {
	var fields []zap.Field
	if r, ok := req.(*messaging.Request); ok {
		fields = append(fields, zap.String("type", r.Type), zap.String("request_id", r.ID))
	}
	if r, ok := resp.(*messaging.Response); ok && r.Error != nil {
		fields = append(fields, zap.String("kind", r.Error.Kind))
	}
	return fields
}

// LoggingUnary logs one line per call: method, code, duration, peer and the
// bridge request type.
func LoggingUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("dur", time.Since(start)),
		}
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			fields = append(fields, zap.String("peer", p.Addr.String()))
		}
		fields = append(fields, bridgeFields(req, resp)...)

		switch code {
		case codes.OK:
			log.Debug("grpc", fields...)
		case codes.Unauthenticated, codes.InvalidArgument:
			log.Warn("grpc", fields...)
		default:
			log.Error("grpc", fields...)
		}
		return resp, err
	}
}

// RecoverUnary turns a handler panic into codes.Internal.
func RecoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				fields := append([]zap.Field{
					zap.Any("reason", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				}, bridgeFields(req, nil)...)
				log.Error("panic", fields...)
				err = status.Error(codes.Internal, "internal")
			}
		}()
		return next(ctx, req)
	}
}
