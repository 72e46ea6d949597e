package controller

import (
	"context"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/Nystya/txn-coordinator/repository/messaging"
	"github.com/Nystya/txn-coordinator/service"
	"github.com/golang/protobuf/ptypes/empty"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// CoordinatorServer exposes a coordinator over gRPC. Coordinator errors are
// sent as statuses with an ErrorInfo detail.
type CoordinatorServer struct {
	coordinator service.Coordinator
	log         *zap.Logger
}

func NewCoordinatorServer(coordinator service.Coordinator, logger *zap.Logger) *CoordinatorServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CoordinatorServer{
		coordinator: coordinator,
		log:         logger.Named("coordinator-server"),
	}
}

func credentials(fields map[string]*structpb.Value) domain.Credentials {
	return domain.Credentials{
		SessionToken:          fields[messaging.FieldSessionToken].GetStringValue(),
		InteractiveSessionKey: fields[messaging.FieldInteractiveSessionKey].GetStringValue(),
	}
}

func (c *CoordinatorServer) BeginTransaction(ctx context.Context, request *structpb.Struct) (*wrapperspb.StringValue, error) {
	txID, err := c.coordinator.BeginTransaction(ctx, credentials(request.GetFields()))
	if err != nil {
		return nil, messaging.ToStatus(err)
	}
	return wrapperspb.String(txID), nil
}

func (c *CoordinatorServer) ExecuteOperation(ctx context.Context, request *structpb.Struct) (*structpb.Value, error) {
	fields := request.GetFields()

	result, err := c.coordinator.ExecuteOperation(ctx, credentials(fields),
		fields[messaging.FieldTransactionID].GetStringValue(),
		fields[messaging.FieldParticipant].GetStringValue(),
		fields[messaging.FieldOperation].GetStringValue(),
		fields[messaging.FieldArguments].GetStructValue().AsMap())
	if err != nil {
		return nil, messaging.ToStatus(err)
	}

	value, err := structpb.NewValue(result)
	if err != nil {
		c.log.Error("operation result cannot be encoded", zap.Error(err))
		return nil, status.Errorf(codes.Internal, "result cannot be encoded: %v", err)
	}

	return value, nil
}

func (c *CoordinatorServer) CommitTransaction(ctx context.Context, request *structpb.Struct) (*empty.Empty, error) {
	fields := request.GetFields()

	if err := c.coordinator.CommitTransaction(ctx, credentials(fields), fields[messaging.FieldTransactionID].GetStringValue()); err != nil {
		return nil, messaging.ToStatus(err)
	}
	return &empty.Empty{}, nil
}

func (c *CoordinatorServer) RollbackTransaction(ctx context.Context, request *structpb.Struct) (*empty.Empty, error) {
	fields := request.GetFields()

	if err := c.coordinator.RollbackTransaction(ctx, credentials(fields), fields[messaging.FieldTransactionID].GetStringValue()); err != nil {
		return nil, messaging.ToStatus(err)
	}
	return &empty.Empty{}, nil
}
