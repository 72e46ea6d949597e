package service

import (
	"context"

	"github.com/Nystya/txn-coordinator/domain"
)

// Coordinator is the caller facing surface of the transaction coordinator.
type Coordinator interface {
	BeginTransaction(ctx context.Context, creds domain.Credentials) (string, error)
	ExecuteOperation(ctx context.Context, creds domain.Credentials, txID string, participant string, operation string, args map[string]interface{}) (interface{}, error)
	CommitTransaction(ctx context.Context, creds domain.Credentials, txID string) error
	RollbackTransaction(ctx context.Context, creds domain.Credentials, txID string) error
}
