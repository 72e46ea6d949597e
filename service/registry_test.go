package service

import (
	"context"
	"testing"
	"time"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEnforcesSessionAndLimit(t *testing.T) {
	now := time.Now()
	r := NewRegistry(2)

	require.NoError(t, r.Register(newTransaction("t1", "alice", now)))

	err := r.Register(newTransaction("t2", "alice", now))
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)

	require.NoError(t, r.Register(newTransaction("t3", "bob", now)))

	err = r.Register(newTransaction("t4", "carol", now))
	assert.ErrorIs(t, err, domain.ErrTooManyTransactions)

	assert.True(t, r.Remove("t1"))
	assert.False(t, r.Remove("t1"))

	_, ok := r.ActiveFor("alice")
	assert.False(t, ok)
	require.NoError(t, r.Register(newTransaction("t5", "alice", now)))
}

func TestRegistryRestoreIgnoresLimit(t *testing.T) {
	now := time.Now()
	r := NewRegistry(1)

	require.NoError(t, r.Register(newTransaction("t1", "alice", now)))
	assert.True(t, r.Restore(newTransaction("t2", "bob", now.Add(-time.Minute))))
	assert.False(t, r.Restore(newTransaction("t2", "bob", now)))
	assert.Equal(t, 2, r.Len())

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "t2", snapshot[0].ID())

	id, ok := r.ActiveFor("bob")
	assert.True(t, ok)
	assert.Equal(t, "t2", id)
}

func TestTransactionLock(t *testing.T) {
	tx := newTransaction("t1", "alice", time.Now())

	require.True(t, tx.TryLock())
	assert.False(t, tx.TryLock())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tx.Lock(ctx), context.DeadlineExceeded)

	tx.Unlock()
	require.NoError(t, tx.Lock(context.Background()))
	tx.Unlock()

	assert.Panics(t, tx.Unlock)
}

func TestTransactionRecordRoundTrip(t *testing.T) {
	now := time.Now()
	tx := newTransaction("t1", "alice", now)
	tx.setStatus(domain.BeginFinished)
	tx.addParticipant("B")
	tx.addParticipant("A")

	record := tx.Record()
	assert.Equal(t, []string{"A", "B"}, record.Participants)

	restored := transactionFromRecord(record)
	assert.Equal(t, domain.BeginFinished, restored.Status())
	assert.Equal(t, []string{"A", "B"}, restored.Participants())
	assert.Equal(t, "alice", restored.SessionToken())
}

func TestStaticSessionTokenProvider(t *testing.T) {
	p := NewStaticSessionTokenProvider([]string{"alice"}, []string{"root"})

	assert.True(t, p.IsValid("alice"))
	assert.True(t, p.IsValid("root"))
	assert.False(t, p.IsValid("bob"))
	assert.False(t, p.IsValid(""))
	assert.True(t, p.IsInstanceAdminOrSystem("root"))
	assert.False(t, p.IsInstanceAdminOrSystem("alice"))

	open := NewStaticSessionTokenProvider(nil, nil)
	assert.True(t, open.IsValid("anyone"))
	assert.False(t, open.IsValid(""))
}
