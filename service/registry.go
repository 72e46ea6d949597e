package service

import (
	"sort"
	"sync"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/cockroachdb/errors"
)

// Registry indexes the non-terminal transactions of a coordinator. It
// enforces one transaction per session token and a global count ceiling.
type Registry struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
	bySession    map[string]string
	limit        int
}

// NewRegistry creates a registry; a limit <= 0 disables the ceiling.
func NewRegistry(limit int) *Registry {
	return &Registry{
		transactions: make(map[string]*Transaction),
		bySession:    make(map[string]string),
		limit:        limit,
	}
}

// Register admits a new transaction.
func (r *Registry) Register(tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transactions[tx.ID()]; ok {
		return &domain.Error{Code: domain.CodeInternal, TransactionID: tx.ID(),
			Err: errors.AssertionFailedf("transaction id %s registered twice", tx.ID())}
	}

	if existing, ok := r.bySession[tx.SessionToken()]; ok {
		return &domain.Error{Code: domain.CodeAlreadyActive, TransactionID: tx.ID(), ExistingTransactionID: existing}
	}

	if r.limit > 0 && len(r.transactions) >= r.limit {
		return &domain.Error{Code: domain.CodeTooManyTransactions, TransactionID: tx.ID(), Limit: r.limit}
	}

	r.transactions[tx.ID()] = tx
	r.bySession[tx.SessionToken()] = tx.ID()

	return nil
}

// Restore puts back a transaction loaded from the store. It ignores the
// ceiling and returns false if the id is already registered.
func (r *Registry) Restore(tx *Transaction) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transactions[tx.ID()]; ok {
		return false
	}

	r.transactions[tx.ID()] = tx
	if _, ok := r.bySession[tx.SessionToken()]; !ok && tx.SessionToken() != "" {
		r.bySession[tx.SessionToken()] = tx.ID()
	}

	return true
}

func (r *Registry) Get(txID string) *Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transactions[txID]
}

// Remove drops a transaction and frees its session. It returns false if the
// transaction was not registered.
func (r *Registry) Remove(txID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[txID]
	if !ok {
		return false
	}

	delete(r.transactions, txID)
	if r.bySession[tx.SessionToken()] == txID {
		delete(r.bySession, tx.SessionToken())
	}

	return true
}

// ActiveFor returns the transaction currently owned by a session.
func (r *Registry) ActiveFor(sessionToken string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySession[sessionToken]
	return id, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transactions)
}

// Snapshot returns the registered transactions ordered by creation time.
func (r *Registry) Snapshot() []*Transaction {
	r.mu.Lock()
	txs := make([]*Transaction, 0, len(r.transactions))
	for _, tx := range r.transactions {
		txs = append(txs, tx)
	}
	r.mu.Unlock()

	sort.Slice(txs, func(i, j int) bool {
		return txs[i].createdAt.Before(txs[j].createdAt)
	})

	return txs
}
