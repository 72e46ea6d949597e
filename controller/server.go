package controller

import (
	"context"

	"github.com/Nystya/txn-coordinator/repository/messaging"
	"github.com/Nystya/txn-coordinator/service"
	"github.com/golang/protobuf/ptypes/empty"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ParticipantServer exposes a local participant over gRPC.
type ParticipantServer struct {
	participant service.Participant
	log         *zap.Logger
}

func NewParticipantServer(participant service.Participant, logger *zap.Logger) *ParticipantServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ParticipantServer{
		participant: participant,
		log:         logger.Named("participant-server"),
	}
}

func (p *ParticipantServer) Begin(ctx context.Context, txID *wrapperspb.StringValue) (*empty.Empty, error) {
	if err := p.participant.Begin(ctx, txID.GetValue()); err != nil {
		return nil, participantError(err)
	}
	return &empty.Empty{}, nil
}

func (p *ParticipantServer) ExecuteOperation(ctx context.Context, request *structpb.Struct) (*structpb.Value, error) {
	fields := request.GetFields()

	txID := fields[messaging.FieldTransactionID].GetStringValue()
	operation := fields[messaging.FieldOperation].GetStringValue()
	args := fields[messaging.FieldArguments].GetStructValue().AsMap()

	result, err := p.participant.ExecuteOperation(ctx, txID, operation, args)
	if err != nil {
		return nil, participantError(err)
	}

	value, err := structpb.NewValue(result)
	if err != nil {
		p.log.Error("operation result cannot be encoded", zap.String("operation", operation), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "result of %s cannot be encoded: %v", operation, err)
	}

	return value, nil
}

func (p *ParticipantServer) Prepare(ctx context.Context, txID *wrapperspb.StringValue) (*empty.Empty, error) {
	if err := p.participant.Prepare(ctx, txID.GetValue()); err != nil {
		p.log.Info("voting to abort", zap.String("transaction_id", txID.GetValue()), zap.Error(err))
		return nil, participantError(err)
	}
	return &empty.Empty{}, nil
}

func (p *ParticipantServer) Commit(ctx context.Context, txID *wrapperspb.StringValue) (*empty.Empty, error) {
	if err := p.participant.Commit(ctx, txID.GetValue()); err != nil {
		return nil, participantError(err)
	}
	return &empty.Empty{}, nil
}

func (p *ParticipantServer) Rollback(ctx context.Context, txID *wrapperspb.StringValue) (*empty.Empty, error) {
	if err := p.participant.Rollback(ctx, txID.GetValue()); err != nil {
		return nil, participantError(err)
	}
	return &empty.Empty{}, nil
}

func (p *ParticipantServer) ListPreparedTransactions(ctx context.Context, _ *empty.Empty) (*structpb.ListValue, error) {
	ids, err := p.participant.ListPreparedTransactions(ctx)
	if err != nil {
		return nil, participantError(err)
	}

	values := make([]*structpb.Value, 0, len(ids))
	for _, id := range ids {
		values = append(values, structpb.NewStringValue(id))
	}

	return &structpb.ListValue{Values: values}, nil
}

func participantError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.FailedPrecondition, err.Error())
}
