package service

import (
	"context"
	"testing"
	"time"

	"github.com/Nystya/txn-coordinator/service/servicetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffIsCapped(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 3}

	d := b.Initial
	d = b.next(d)
	assert.Equal(t, 300*time.Millisecond, d)
	d = b.next(d)
	assert.Equal(t, 900*time.Millisecond, d)
	d = b.next(d)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, time.Second, b.next(d))
}

func TestRetryKeepsTryingUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	a, b, participants := twoParticipants()
	c := newTestCoordinator(t, nil, participants)

	txID, err := c.BeginTransaction(ctx, alice)
	require.NoError(t, err)
	_, err = c.ExecuteOperation(ctx, alice, txID, "A", "put", put("x", "1"))
	require.NoError(t, err)
	_, err = c.ExecuteOperation(ctx, alice, txID, "B", "put", put("y", "1"))
	require.NoError(t, err)

	a.FailOn(servicetest.MethodCommit, -1)
	b.FailOn(servicetest.MethodCommit, -1)
	require.NoError(t, c.CommitTransaction(ctx, alice, txID))
	require.True(t, c.Retry().Pending(txID))

	assert.Eventually(t, func() bool {
		return a.Calls(servicetest.MethodCommit) > 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Retry().Pending(txID))

	a.FailOn(servicetest.MethodCommit, 0)
	assert.Eventually(t, func() bool {
		return a.Outcome(txID) == servicetest.MethodCommit
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, c.Registry().Get(txID), "B still owes an acknowledgement")

	b.FailOn(servicetest.MethodCommit, 0)
	assert.Eventually(t, func() bool {
		return !c.Retry().Pending(txID) && c.Registry().Get(txID) == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, a.CommitsApplied(txID))
}

func TestRetryScheduleMergesParticipants(t *testing.T) {
	ctx := context.Background()
	a, b, participants := twoParticipants()
	c := newTestCoordinator(t, nil, participants,
		WithRetryBackoff(Backoff{Initial: 50 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 1}))

	txID, err := c.BeginTransaction(ctx, alice)
	require.NoError(t, err)
	_, err = c.ExecuteOperation(ctx, alice, txID, "A", "put", put("x", "1"))
	require.NoError(t, err)
	_, err = c.ExecuteOperation(ctx, alice, txID, "B", "put", put("y", "1"))
	require.NoError(t, err)

	a.FailOn(servicetest.MethodCommit, 1)
	require.NoError(t, c.CommitTransaction(ctx, alice, txID))
	require.True(t, c.Retry().Pending(txID))

	// B acknowledged already; a duplicate commit is harmless.
	c.Retry().Schedule(txID, ActionCommit, []string{"B"})

	assert.Eventually(t, func() bool {
		return c.Registry().Get(txID) == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, b.Calls(servicetest.MethodCommit))
	assert.Equal(t, 1, b.CommitsApplied(txID))
}

func TestRetryStopsWithCoordinator(t *testing.T) {
	ctx := context.Background()
	a, _, participants := twoParticipants()
	c := newTestCoordinator(t, nil, participants)

	txID, err := c.BeginTransaction(ctx, alice)
	require.NoError(t, err)
	_, err = c.ExecuteOperation(ctx, alice, txID, "A", "put", put("x", "1"))
	require.NoError(t, err)

	a.FailOn(servicetest.MethodCommit, -1)
	require.NoError(t, c.CommitTransaction(ctx, alice, txID))

	c.Stop()
	calls := a.Calls(servicetest.MethodCommit)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, a.Calls(servicetest.MethodCommit))
}
