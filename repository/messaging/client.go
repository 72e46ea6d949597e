package messaging

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/golang/protobuf/ptypes/empty"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type ParticipantClientConfig struct {
	PeerName       string
	ServerAddr     string
	CoordinatorKey string
}

// ParticipantClient reaches a remote participant over gRPC. It implements
// service.Participant.
type ParticipantClient struct {
	PeerName string

	rpc            *participantRPC
	conn           *grpc.ClientConn
	serverAddr     string
	coordinatorKey string
	log            *zap.Logger
}

func NewParticipantClient(config *ParticipantClientConfig, logger *zap.Logger) *ParticipantClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ParticipantClient{
		PeerName:       config.PeerName,
		serverAddr:     config.ServerAddr,
		coordinatorKey: config.CoordinatorKey,
		log:            logger.Named("participant-client").With(zap.String("participant", config.PeerName)),
	}
}

// NewParticipantClientWithConn wraps an existing connection.
func NewParticipantClientWithConn(config *ParticipantClientConfig, cc grpc.ClientConnInterface) *ParticipantClient {
	c := NewParticipantClient(config, nil)
	c.rpc = &participantRPC{cc: cc}
	return c
}

// Connect creates the client connection. The connection is established
// lazily, so an unreachable participant does not fail startup.
func (c *ParticipantClient) Connect() error {
	conn, err := grpc.NewClient(c.serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return errors.Wrapf(err, "could not create client for participant %s at %s", c.PeerName, c.serverAddr)
	}

	c.log.Info("participant client ready", zap.String("address", c.serverAddr))

	c.conn = conn
	c.rpc = &participantRPC{cc: conn}

	return nil
}

func (c *ParticipantClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *ParticipantClient) Name() string {
	return c.PeerName
}

func (c *ParticipantClient) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, CoordinatorKeyHeader, c.coordinatorKey)
}

func (c *ParticipantClient) Begin(ctx context.Context, txID string) error {
	_, err := c.rpc.Begin(c.outgoing(ctx), wrapperspb.String(txID))
	return remoteError(err)
}

func (c *ParticipantClient) ExecuteOperation(ctx context.Context, txID string, operation string, args map[string]interface{}) (interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		FieldTransactionID: txID,
		FieldOperation:     operation,
		FieldArguments:     args,
	})
	if err != nil {
		return nil, errors.Wrap(err, "arguments cannot be encoded")
	}

	resp, err := c.rpc.ExecuteOperation(c.outgoing(ctx), req)
	if err != nil {
		return nil, remoteError(err)
	}

	return resp.AsInterface(), nil
}

func (c *ParticipantClient) Prepare(ctx context.Context, txID string) error {
	_, err := c.rpc.Prepare(c.outgoing(ctx), wrapperspb.String(txID))
	return remoteError(err)
}

func (c *ParticipantClient) Commit(ctx context.Context, txID string) error {
	_, err := c.rpc.Commit(c.outgoing(ctx), wrapperspb.String(txID))
	return remoteError(err)
}

func (c *ParticipantClient) Rollback(ctx context.Context, txID string) error {
	_, err := c.rpc.Rollback(c.outgoing(ctx), wrapperspb.String(txID))
	return remoteError(err)
}

func (c *ParticipantClient) ListPreparedTransactions(ctx context.Context) ([]string, error) {
	resp, err := c.rpc.ListPreparedTransactions(c.outgoing(ctx), &empty.Empty{})
	if err != nil {
		return nil, remoteError(err)
	}

	ids := make([]string, 0, len(resp.GetValues()))
	for _, v := range resp.GetValues() {
		ids = append(ids, v.GetStringValue())
	}

	return ids, nil
}

// remoteError keeps the participant's message and code readable in
// coordinator errors.
func remoteError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	return errors.Newf("%s: %s", st.Code(), st.Message())
}
