package service

import (
	"context"
	"sync"
	"testing"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/Nystya/txn-coordinator/repository/database"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type kvResource struct {
	mu      sync.Mutex
	data    map[string]string
	applied int
}

func newKVResource() *kvResource {
	return &kvResource{data: make(map[string]string)}
}

func (r *kvResource) Execute(staged []domain.Mutation, operation string, args map[string]interface{}) (interface{}, []domain.Mutation, error) {
	key, _ := args["key"].(string)

	switch operation {
	case "put":
		value, _ := args["value"].(string)
		return value, []domain.Mutation{{Kind: domain.MutationPut, Key: key, Value: []byte(value)}}, nil
	case "get":
		if m, ok := domain.LookupStaged(staged, key); ok {
			return string(m.Value), nil, nil
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.data[key], nil, nil
	}

	return nil, nil, errors.Newf("unknown operation %q", operation)
}

func (r *kvResource) Apply(mutations []domain.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range mutations {
		if m.Kind == domain.MutationDelete {
			delete(r.data, m.Key)
			continue
		}
		r.data[m.Key] = string(m.Value)
	}
	r.applied++

	return nil
}

func (r *kvResource) get(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data[key]
}

func newTestParticipant(t *testing.T, dir string, resource Resource) *TPCParticipant {
	t.Helper()

	journal, err := database.NewFileDatabase(&database.WriteAheadLogConfig{Dir: dir, MaxFileSize: 1, Prefix: "test"})
	require.NoError(t, err)

	return NewTPCParticipant("kv", journal, resource, zaptest.NewLogger(t))
}

func TestParticipantCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	resource := newKVResource()
	p := newTestParticipant(t, t.TempDir(), resource)

	require.NoError(t, p.Begin(ctx, "t1"))
	require.NoError(t, p.Begin(ctx, "t1"))

	_, err := p.ExecuteOperation(ctx, "t1", "put", map[string]interface{}{"key": "x", "value": "1"})
	require.NoError(t, err)

	got, err := p.ExecuteOperation(ctx, "t1", "get", map[string]interface{}{"key": "x"})
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	assert.Empty(t, resource.get("x"))

	require.NoError(t, p.Prepare(ctx, "t1"))
	require.NoError(t, p.Prepare(ctx, "t1"))

	ids, err := p.ListPreparedTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, ids)

	_, err = p.ExecuteOperation(ctx, "t1", "put", map[string]interface{}{"key": "y", "value": "2"})
	assert.Error(t, err)

	require.NoError(t, p.Commit(ctx, "t1"))
	require.NoError(t, p.Commit(ctx, "t1"))
	require.NoError(t, p.Rollback(ctx, "t1"))

	assert.Equal(t, "1", resource.get("x"))
	assert.Equal(t, 1, resource.applied)

	ids, err = p.ListPreparedTransactions(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestParticipantRollbackDiscardsStagedWork(t *testing.T) {
	ctx := context.Background()
	resource := newKVResource()
	p := newTestParticipant(t, t.TempDir(), resource)

	require.NoError(t, p.Rollback(ctx, "unknown"))

	require.NoError(t, p.Begin(ctx, "t1"))
	_, err := p.ExecuteOperation(ctx, "t1", "put", map[string]interface{}{"key": "x", "value": "1"})
	require.NoError(t, err)
	require.NoError(t, p.Prepare(ctx, "t1"))
	require.NoError(t, p.Rollback(ctx, "t1"))
	require.NoError(t, p.Rollback(ctx, "t1"))

	assert.Empty(t, resource.get("x"))
	assert.Zero(t, resource.applied)

	_, err = p.ExecuteOperation(ctx, "t1", "get", map[string]interface{}{"key": "x"})
	assert.Error(t, err)
}

func TestParticipantPrepareDetectsConflicts(t *testing.T) {
	ctx := context.Background()
	p := newTestParticipant(t, t.TempDir(), newKVResource())

	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, p.Begin(ctx, id))
		_, err := p.ExecuteOperation(ctx, id, "put", map[string]interface{}{"key": "x", "value": id})
		require.NoError(t, err)
	}

	require.NoError(t, p.Prepare(ctx, "t1"))

	err := p.Prepare(ctx, "t2")
	var conflict domain.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "x", conflict.Key)
	assert.Equal(t, "t1", conflict.Owner)

	require.NoError(t, p.Commit(ctx, "t1"))
	require.NoError(t, p.Prepare(ctx, "t2"))
}

func TestParticipantCommitRequiresPrepare(t *testing.T) {
	ctx := context.Background()
	p := newTestParticipant(t, t.TempDir(), newKVResource())

	require.NoError(t, p.Begin(ctx, "t1"))
	assert.Error(t, p.Commit(ctx, "t1"))
	assert.Error(t, p.Prepare(ctx, "missing"))
	assert.NoError(t, p.Commit(ctx, "missing"))
}

func TestParticipantRecoversFromJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := newTestParticipant(t, dir, newKVResource())

	for i, id := range []string{"committed", "prepared", "aborted"} {
		require.NoError(t, p.Begin(ctx, id))
		_, err := p.ExecuteOperation(ctx, id, "put", map[string]interface{}{"key": id, "value": string(rune('a' + i))})
		require.NoError(t, err)
		require.NoError(t, p.Prepare(ctx, id))
	}
	require.NoError(t, p.Commit(ctx, "committed"))
	require.NoError(t, p.Rollback(ctx, "aborted"))

	// A fresh process with an empty store replays the journal.
	resource := newKVResource()
	restarted := newTestParticipant(t, dir, resource)
	require.NoError(t, restarted.Recover())

	assert.Equal(t, "a", resource.get("committed"))
	assert.Empty(t, resource.get("aborted"))
	assert.Empty(t, resource.get("prepared"))

	ids, err := restarted.ListPreparedTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"prepared"}, ids)

	require.NoError(t, restarted.Commit(ctx, "prepared"))
	assert.Equal(t, "b", resource.get("prepared"))
}

func journalEntries(t *testing.T, dir string) []*domain.JournalEntry {
	t.Helper()

	journal, err := database.NewFileDatabase(&database.WriteAheadLogConfig{Dir: dir, MaxFileSize: 1, Prefix: "test"})
	require.NoError(t, err)

	entries, err := journal.Recover()
	require.NoError(t, err)
	return entries
}

func TestParticipantCompactsFinishedTransactions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	resource := newKVResource()
	p := newTestParticipant(t, dir, resource)
	p.SetCompactEvery(2)

	for _, id := range []string{"t1", "t2", "open"} {
		require.NoError(t, p.Begin(ctx, id))
		_, err := p.ExecuteOperation(ctx, id, "put", map[string]interface{}{"key": id, "value": id})
		require.NoError(t, err)
		require.NoError(t, p.Prepare(ctx, id))
	}

	require.NoError(t, p.Commit(ctx, "t1"))
	assert.Len(t, journalEntries(t, dir), 4)

	require.NoError(t, p.Rollback(ctx, "t2"))

	entries := journalEntries(t, dir)
	require.Len(t, entries, 1)
	assert.Equal(t, "open", entries[0].TxID)
	assert.Equal(t, domain.Prepared, entries[0].State)

	restarted := newTestParticipant(t, dir, newKVResource())
	require.NoError(t, restarted.Recover())

	ids, err := restarted.ListPreparedTransactions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"open"}, ids)
}

func TestParticipantRecoverCompactsReplayedCommits(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p := newTestParticipant(t, dir, newKVResource())

	for _, id := range []string{"done", "open"} {
		require.NoError(t, p.Begin(ctx, id))
		_, err := p.ExecuteOperation(ctx, id, "put", map[string]interface{}{"key": id, "value": id})
		require.NoError(t, err)
		require.NoError(t, p.Prepare(ctx, id))
	}
	require.NoError(t, p.Commit(ctx, "done"))
	require.Len(t, journalEntries(t, dir), 3)

	resource := newKVResource()
	restarted := newTestParticipant(t, dir, resource)
	require.NoError(t, restarted.Recover())
	assert.Equal(t, "done", resource.get("done"))

	entries := journalEntries(t, dir)
	require.Len(t, entries, 1)
	assert.Equal(t, "open", entries[0].TxID)

	// A second restart no longer replays the compacted commit.
	again := newKVResource()
	require.NoError(t, newTestParticipant(t, dir, again).Recover())
	assert.Zero(t, again.applied)
}
