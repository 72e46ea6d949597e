package service

import (
	"context"
	"sync"
	"time"

	"github.com/Nystya/txn-coordinator/domain"
)

// Transaction is the in-memory view of a coordinator transaction.
//
// The slot channel is the per-transaction lock: caller actions, the retry
// driver, the recovery scanner and the timeout reaper must hold it before
// changing the transaction. The fields under mu may be read without it.
type Transaction struct {
	id           string
	sessionToken string
	createdAt    time.Time

	slot chan struct{}

	mu             sync.Mutex
	status         domain.Status
	participants   map[string]struct{}
	lastActivityAt time.Time
}

func newTransaction(id string, sessionToken string, now time.Time) *Transaction {
	return &Transaction{
		id:             id,
		sessionToken:   sessionToken,
		createdAt:      now,
		slot:           make(chan struct{}, 1),
		participants:   make(map[string]struct{}),
		lastActivityAt: now,
	}
}

func transactionFromRecord(record *domain.TransactionRecord) *Transaction {
	tx := newTransaction(record.TransactionID, record.SessionToken, record.CreatedAt)
	tx.status = record.Status
	tx.lastActivityAt = record.LastActivityAt

	for _, p := range record.Participants {
		tx.participants[p] = struct{}{}
	}

	return tx
}

func (t *Transaction) ID() string {
	return t.id
}

func (t *Transaction) SessionToken() string {
	return t.sessionToken
}

// Lock waits for the transaction lock or for ctx to be done.
func (t *Transaction) Lock(ctx context.Context) error {
	select {
	case t.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock takes the transaction lock only if nobody holds it.
func (t *Transaction) TryLock() bool {
	select {
	case t.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (t *Transaction) Unlock() {
	select {
	case <-t.slot:
	default:
		panic("unlock of unlocked transaction " + t.id)
	}
}

func (t *Transaction) Status() domain.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) setStatus(status domain.Status) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

// Participants returns the joined participant names, sorted.
func (t *Transaction) Participants() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return domain.SortedNames(t.participants)
}

func (t *Transaction) hasParticipant(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.participants[name]
	return ok
}

func (t *Transaction) addParticipant(name string) {
	t.mu.Lock()
	t.participants[name] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) removeParticipant(name string) {
	t.mu.Lock()
	delete(t.participants, name)
	t.mu.Unlock()
}

func (t *Transaction) LastActivityAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivityAt
}

func (t *Transaction) touch(now time.Time) {
	t.mu.Lock()
	t.lastActivityAt = now
	t.mu.Unlock()
}

// Record snapshots the transaction into its persisted form.
func (t *Transaction) Record() *domain.TransactionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	return &domain.TransactionRecord{
		TransactionID:  t.id,
		SessionToken:   t.sessionToken,
		Status:         t.status,
		Participants:   domain.SortedNames(t.participants),
		CreatedAt:      t.createdAt,
		LastActivityAt: t.lastActivityAt,
	}
}
