package service

import (
	"context"
	"testing"
	"time"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/Nystya/txn-coordinator/service/servicetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperRollsBackInactiveTransactions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a, _, participants := twoParticipants()
	c := newTestCoordinator(t, nil, participants, WithClock(clock.Now), WithTransactionTimeout(time.Minute))

	stale, err := c.BeginTransaction(ctx, alice)
	require.NoError(t, err)
	_, err = c.ExecuteOperation(ctx, alice, stale, "A", "put", put("x", "1"))
	require.NoError(t, err)

	clock.Advance(45 * time.Second)

	fresh, err := c.BeginTransaction(ctx, bob)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)

	assert.Equal(t, []string{stale}, c.Reaper().ReapOnce(ctx))
	assert.Equal(t, servicetest.MethodRollback, a.Outcome(stale))
	assert.NotNil(t, c.Registry().Get(fresh))

	_, err = c.ExecuteOperation(ctx, alice, stale, "A", "put", put("x", "2"))
	assert.ErrorIs(t, err, domain.ErrNoSuchTransaction)
}

func TestReaperCountsActivityFromLastOperation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	_, _, participants := twoParticipants()
	c := newTestCoordinator(t, nil, participants, WithClock(clock.Now), WithTransactionTimeout(time.Minute))

	txID, err := c.BeginTransaction(ctx, alice)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	_, err = c.ExecuteOperation(ctx, alice, txID, "A", "put", put("x", "1"))
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	assert.Empty(t, c.Reaper().ReapOnce(ctx))
	assert.NotNil(t, c.Registry().Get(txID))
}

func TestReaperSkipsBusyTransactions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	_, _, participants := twoParticipants()
	c := newTestCoordinator(t, nil, participants, WithClock(clock.Now), WithTransactionTimeout(time.Minute))

	txID, err := c.BeginTransaction(ctx, alice)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	tx := c.Registry().Get(txID)
	require.True(t, tx.TryLock())
	assert.Empty(t, c.Reaper().ReapOnce(ctx))
	tx.Unlock()

	assert.Equal(t, []string{txID}, c.Reaper().ReapOnce(ctx))
	assert.Nil(t, c.Registry().Get(txID))
}

func TestReaperIgnoresDecidedTransactions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	_, b, participants := twoParticipants()
	c := newTestCoordinator(t, nil, participants, WithClock(clock.Now), WithTransactionTimeout(time.Minute))

	txID, err := c.BeginTransaction(ctx, alice)
	require.NoError(t, err)
	_, err = c.ExecuteOperation(ctx, alice, txID, "B", "put", put("y", "1"))
	require.NoError(t, err)

	b.FailOn(servicetest.MethodCommit, -1)
	require.NoError(t, c.CommitTransaction(ctx, alice, txID))
	require.Equal(t, domain.CommitStarted, c.Registry().Get(txID).Status())

	clock.Advance(time.Hour)
	assert.Empty(t, c.Reaper().ReapOnce(ctx))
	assert.Zero(t, b.Calls(servicetest.MethodRollback))

	b.FailOn(servicetest.MethodCommit, 0)
	assert.Eventually(t, func() bool {
		return c.Registry().Get(txID) == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReapedTransactionIsGoneWhileRollbackRetries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	a, _, participants := twoParticipants()
	c := newTestCoordinator(t, nil, participants, WithClock(clock.Now), WithTransactionTimeout(time.Minute))

	txID, err := c.BeginTransaction(ctx, alice)
	require.NoError(t, err)
	_, err = c.ExecuteOperation(ctx, alice, txID, "A", "put", put("x", "1"))
	require.NoError(t, err)

	a.FailOn(servicetest.MethodRollback, -1)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, []string{txID}, c.Reaper().ReapOnce(ctx))

	_, err = c.ExecuteOperation(ctx, alice, txID, "A", "put", put("x", "2"))
	assert.ErrorIs(t, err, domain.ErrNoSuchTransaction)
	assert.True(t, c.Retry().Pending(txID))

	a.FailOn(servicetest.MethodRollback, 0)
	assert.Eventually(t, func() bool {
		return c.Registry().Get(txID) == nil
	}, 2*time.Second, 5*time.Millisecond)
}
