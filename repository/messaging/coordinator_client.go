package messaging

import (
	"context"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// CoordinatorClient calls a remote coordinator. It implements
// service.Coordinator and returns *domain.Error values rebuilt from the
// status details.
type CoordinatorClient struct {
	rpc  *coordinatorRPC
	conn *grpc.ClientConn
}

func DialCoordinator(addr string) (*CoordinatorClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "could not create coordinator client for %s", addr)
	}

	return &CoordinatorClient{rpc: &coordinatorRPC{cc: conn}, conn: conn}, nil
}

func NewCoordinatorClientWithConn(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{rpc: &coordinatorRPC{cc: cc}}
}

func (c *CoordinatorClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func request(creds domain.Credentials, fields map[string]interface{}) (*structpb.Struct, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields[FieldSessionToken] = creds.SessionToken
	fields[FieldInteractiveSessionKey] = creds.InteractiveSessionKey

	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, "request cannot be encoded")
	}
	return req, nil
}

func (c *CoordinatorClient) BeginTransaction(ctx context.Context, creds domain.Credentials) (string, error) {
	req, err := request(creds, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.rpc.BeginTransaction(ctx, req)
	if err != nil {
		return "", FromStatus(err)
	}

	return resp.GetValue(), nil
}

func (c *CoordinatorClient) ExecuteOperation(ctx context.Context, creds domain.Credentials, txID string, participant string,
	operation string, args map[string]interface{}) (interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}

	req, err := request(creds, map[string]interface{}{
		FieldTransactionID: txID,
		FieldParticipant:   participant,
		FieldOperation:     operation,
		FieldArguments:     args,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.rpc.ExecuteOperation(ctx, req)
	if err != nil {
		return nil, FromStatus(err)
	}

	return resp.AsInterface(), nil
}

func (c *CoordinatorClient) CommitTransaction(ctx context.Context, creds domain.Credentials, txID string) error {
	req, err := request(creds, map[string]interface{}{FieldTransactionID: txID})
	if err != nil {
		return err
	}

	_, err = c.rpc.CommitTransaction(ctx, req)
	return FromStatus(err)
}

func (c *CoordinatorClient) RollbackTransaction(ctx context.Context, creds domain.Credentials, txID string) error {
	req, err := request(creds, map[string]interface{}{FieldTransactionID: txID})
	if err != nil {
		return err
	}

	_, err = c.rpc.RollbackTransaction(ctx, req)
	return FromStatus(err)
}
