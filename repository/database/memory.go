package database

import (
	"sort"
	"sync"

	"github.com/Nystya/txn-coordinator/domain"
)

// MemoryDatabase keeps transaction records in memory. It satisfies
// TransactionStore and is used by tests and by coordinators that can afford
// to lose in-flight transactions on restart.
type MemoryDatabase struct {
	cache map[string]*domain.TransactionRecord

	lock *sync.Mutex
}

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		cache: make(map[string]*domain.TransactionRecord),
		lock:  &sync.Mutex{},
	}
}

func (m *MemoryDatabase) Put(record *domain.TransactionRecord) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.cache[record.TransactionID] = record.Clone()

	return nil
}

func (m *MemoryDatabase) Get(txID string) (*domain.TransactionRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	val, ok := m.cache[txID]
	if !ok {
		return nil, domain.NotFoundError{Key: txID}
	}

	return val.Clone(), nil
}

func (m *MemoryDatabase) Delete(txID string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.cache, txID)

	return nil
}

func (m *MemoryDatabase) List() ([]*domain.TransactionRecord, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	records := make([]*domain.TransactionRecord, 0, len(m.cache))
	for _, r := range m.cache {
		records = append(records, r.Clone())
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

func (m *MemoryDatabase) Close() error {
	return nil
}
