package messaging

import (
	"context"

	"github.com/golang/protobuf/ptypes/empty"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	CoordinatorServiceName = "txncoord.v1.Coordinator"

	coordinatorBeginMethod    = "/txncoord.v1.Coordinator/BeginTransaction"
	coordinatorExecuteMethod  = "/txncoord.v1.Coordinator/ExecuteOperation"
	coordinatorCommitMethod   = "/txncoord.v1.Coordinator/CommitTransaction"
	coordinatorRollbackMethod = "/txncoord.v1.Coordinator/RollbackTransaction"
)

// Request struct fields.
const (
	FieldSessionToken          = "session_token"
	FieldInteractiveSessionKey = "interactive_session_key"
	FieldTransactionID         = "transaction_id"
	FieldParticipant           = "participant"
	FieldOperation             = "operation"
	FieldArguments             = "arguments"
)

// CoordinatorServer is the server API of the coordinator service. Every
// request is a Struct carrying the caller credentials plus the fields the
// operation needs.
type CoordinatorServer interface {
	BeginTransaction(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	ExecuteOperation(context.Context, *structpb.Struct) (*structpb.Value, error)
	CommitTransaction(context.Context, *structpb.Struct) (*empty.Empty, error)
	RollbackTransaction(context.Context, *structpb.Struct) (*empty.Empty, error)
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&CoordinatorServiceDesc, srv)
}

var CoordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: CoordinatorServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "BeginTransaction",
			Handler: unaryHandler(coordinatorBeginMethod, func(srv interface{}, ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
				return srv.(CoordinatorServer).BeginTransaction(ctx, in)
			}),
		},
		{
			MethodName: "ExecuteOperation",
			Handler: unaryHandler(coordinatorExecuteMethod, func(srv interface{}, ctx context.Context, in *structpb.Struct) (*structpb.Value, error) {
				return srv.(CoordinatorServer).ExecuteOperation(ctx, in)
			}),
		},
		{
			MethodName: "CommitTransaction",
			Handler: unaryHandler(coordinatorCommitMethod, func(srv interface{}, ctx context.Context, in *structpb.Struct) (*empty.Empty, error) {
				return srv.(CoordinatorServer).CommitTransaction(ctx, in)
			}),
		},
		{
			MethodName: "RollbackTransaction",
			Handler: unaryHandler(coordinatorRollbackMethod, func(srv interface{}, ctx context.Context, in *structpb.Struct) (*empty.Empty, error) {
				return srv.(CoordinatorServer).RollbackTransaction(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "txncoord/v1/coordinator.proto",
}

type coordinatorRPC struct {
	cc grpc.ClientConnInterface
}

func (c *coordinatorRPC) BeginTransaction(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, coordinatorBeginMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorRPC) ExecuteOperation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Value, error) {
	out := new(structpb.Value)
	if err := c.cc.Invoke(ctx, coordinatorExecuteMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorRPC) CommitTransaction(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*empty.Empty, error) {
	out := new(empty.Empty)
	if err := c.cc.Invoke(ctx, coordinatorCommitMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorRPC) RollbackTransaction(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*empty.Empty, error) {
	out := new(empty.Empty)
	if err := c.cc.Invoke(ctx, coordinatorRollbackMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
