package database

import "github.com/Nystya/txn-coordinator/domain"

// TransactionStore is the coordinator's durable table of non-terminal
// transactions, keyed by transaction id.
type TransactionStore interface {
	Put(record *domain.TransactionRecord) error
	Get(txID string) (*domain.TransactionRecord, error)
	Delete(txID string) error
	List() ([]*domain.TransactionRecord, error)
	Close() error
}

// Journal is a participant's durable log of prepared, committed and aborted
// transactions.
type Journal interface {
	Append(entry *domain.JournalEntry) error
	Recover() ([]*domain.JournalEntry, error)
	Compact(keep func(txID string) bool) (int, error)
}
