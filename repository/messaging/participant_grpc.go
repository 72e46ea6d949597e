package messaging

import (
	"context"

	"github.com/golang/protobuf/ptypes/empty"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ParticipantServiceName = "txncoord.v1.Participant"

	participantBeginMethod        = "/txncoord.v1.Participant/Begin"
	participantExecuteMethod      = "/txncoord.v1.Participant/ExecuteOperation"
	participantPrepareMethod      = "/txncoord.v1.Participant/Prepare"
	participantCommitMethod       = "/txncoord.v1.Participant/Commit"
	participantRollbackMethod     = "/txncoord.v1.Participant/Rollback"
	participantListPreparedMethod = "/txncoord.v1.Participant/ListPreparedTransactions"
)

// ParticipantServer is the server API of the participant service. Transaction
// ids travel as StringValue; ExecuteOperation takes a Struct with the fields
// transaction_id, operation and arguments.
type ParticipantServer interface {
	Begin(context.Context, *wrapperspb.StringValue) (*empty.Empty, error)
	ExecuteOperation(context.Context, *structpb.Struct) (*structpb.Value, error)
	Prepare(context.Context, *wrapperspb.StringValue) (*empty.Empty, error)
	Commit(context.Context, *wrapperspb.StringValue) (*empty.Empty, error)
	Rollback(context.Context, *wrapperspb.StringValue) (*empty.Empty, error)
	ListPreparedTransactions(context.Context, *empty.Empty) (*structpb.ListValue, error)
}

func RegisterParticipantServer(s grpc.ServiceRegistrar, srv ParticipantServer) {
	s.RegisterService(&ParticipantServiceDesc, srv)
}

var ParticipantServiceDesc = grpc.ServiceDesc{
	ServiceName: ParticipantServiceName,
	HandlerType: (*ParticipantServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Begin",
			Handler: unaryHandler(participantBeginMethod, func(srv interface{}, ctx context.Context, in *wrapperspb.StringValue) (*empty.Empty, error) {
				return srv.(ParticipantServer).Begin(ctx, in)
			}),
		},
		{
			MethodName: "ExecuteOperation",
			Handler: unaryHandler(participantExecuteMethod, func(srv interface{}, ctx context.Context, in *structpb.Struct) (*structpb.Value, error) {
				return srv.(ParticipantServer).ExecuteOperation(ctx, in)
			}),
		},
		{
			MethodName: "Prepare",
			Handler: unaryHandler(participantPrepareMethod, func(srv interface{}, ctx context.Context, in *wrapperspb.StringValue) (*empty.Empty, error) {
				return srv.(ParticipantServer).Prepare(ctx, in)
			}),
		},
		{
			MethodName: "Commit",
			Handler: unaryHandler(participantCommitMethod, func(srv interface{}, ctx context.Context, in *wrapperspb.StringValue) (*empty.Empty, error) {
				return srv.(ParticipantServer).Commit(ctx, in)
			}),
		},
		{
			MethodName: "Rollback",
			Handler: unaryHandler(participantRollbackMethod, func(srv interface{}, ctx context.Context, in *wrapperspb.StringValue) (*empty.Empty, error) {
				return srv.(ParticipantServer).Rollback(ctx, in)
			}),
		},
		{
			MethodName: "ListPreparedTransactions",
			Handler: unaryHandler(participantListPreparedMethod, func(srv interface{}, ctx context.Context, in *empty.Empty) (*structpb.ListValue, error) {
				return srv.(ParticipantServer).ListPreparedTransactions(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "txncoord/v1/participant.proto",
}

type participantRPC struct {
	cc grpc.ClientConnInterface
}

func (c *participantRPC) Begin(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*empty.Empty, error) {
	out := new(empty.Empty)
	if err := c.cc.Invoke(ctx, participantBeginMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *participantRPC) ExecuteOperation(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Value, error) {
	out := new(structpb.Value)
	if err := c.cc.Invoke(ctx, participantExecuteMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *participantRPC) Prepare(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*empty.Empty, error) {
	out := new(empty.Empty)
	if err := c.cc.Invoke(ctx, participantPrepareMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *participantRPC) Commit(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*empty.Empty, error) {
	out := new(empty.Empty)
	if err := c.cc.Invoke(ctx, participantCommitMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *participantRPC) Rollback(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*empty.Empty, error) {
	out := new(empty.Empty)
	if err := c.cc.Invoke(ctx, participantRollbackMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *participantRPC) ListPreparedTransactions(ctx context.Context, in *empty.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, participantListPreparedMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
