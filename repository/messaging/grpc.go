package messaging

import (
	"context"

	"google.golang.org/grpc"
)

// CoordinatorKeyHeader is the metadata key carrying the shared secret the
// coordinator presents to participants.
const CoordinatorKeyHeader = "x-coordinator-key"

// unaryHandler builds a grpc.MethodHandler the way protoc-gen-go-grpc
// generates them.
func unaryHandler[Req any, Resp any](fullMethod string, call func(srv interface{}, ctx context.Context, in *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv, ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}

		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv, ctx, req.(*Req))
		}

		return interceptor(ctx, in, info, handler)
	}
}
