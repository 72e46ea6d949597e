package service

import (
	"context"

	"github.com/Nystya/txn-coordinator/domain"
)

// Participant is a backend that can join a coordinated transaction. Commit and
// Rollback must be idempotent: repeating them, or calling them for a
// transaction the participant no longer knows, succeeds without side effects.
type Participant interface {
	Name() string

	Begin(ctx context.Context, txID string) error
	ExecuteOperation(ctx context.Context, txID string, operation string, args map[string]interface{}) (interface{}, error)
	Prepare(ctx context.Context, txID string) error
	Commit(ctx context.Context, txID string) error
	Rollback(ctx context.Context, txID string) error

	ListPreparedTransactions(ctx context.Context) ([]string, error)
}

// Resource is the business side of a local participant. Execute runs an
// operation against committed data plus the transaction's own staged
// mutations and returns the mutations it wants to stage. Apply must be
// idempotent.
type Resource interface {
	Execute(staged []domain.Mutation, operation string, args map[string]interface{}) (interface{}, []domain.Mutation, error)
	Apply(mutations []domain.Mutation) error
}

// PreconditionChecker is implemented by resources whose staged mutations
// depend on committed state that may change between Execute and Prepare.
// It runs at prepare, after the transaction owns every key it touches.
type PreconditionChecker interface {
	CheckPreconditions(mutations []domain.Mutation) error
}
