package controller

import (
	"context"
	"crypto/subtle"

	"github.com/Nystya/txn-coordinator/repository/messaging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequireCoordinatorKey rejects calls that do not present the coordinator key.
func RequireCoordinatorKey(key string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing coordinator key")
		}

		values := md.Get(messaging.CoordinatorKeyHeader)
		if len(values) == 0 || subtle.ConstantTimeCompare([]byte(values[0]), []byte(key)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid coordinator key")
		}

		return handler(ctx, req)
	}
}
