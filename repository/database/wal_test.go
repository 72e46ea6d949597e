package database

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Nystya/txn-coordinator/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func walFiles(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestWriteAheadLogRecoversInOrder(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileDatabase(&WriteAheadLogConfig{Dir: dir, MaxFileSize: 1, Prefix: "entity"})
	require.NoError(t, err)

	entries, err := wal.Recover()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Each entry is large enough to push the next one into a fresh file.
	value := []byte(strings.Repeat("v", 1100))
	for i := 0; i < 12; i++ {
		require.NoError(t, wal.Append(&domain.JournalEntry{
			TxID:      "t" + string(rune('a'+i)),
			State:     domain.Prepared,
			Mutations: []domain.Mutation{{Kind: domain.MutationPut, Key: "k", Value: value}},
		}))
	}

	// Index 10 must sort after index 9.
	assert.Contains(t, walFiles(t, dir), "10_entity_wal")

	reopened, err := NewFileDatabase(&WriteAheadLogConfig{Dir: dir, MaxFileSize: 1, Prefix: "entity"})
	require.NoError(t, err)

	entries, err = reopened.Recover()
	require.NoError(t, err)
	require.Len(t, entries, 12)
	for i, e := range entries {
		assert.Equal(t, "t"+string(rune('a'+i)), e.TxID)
		assert.Equal(t, value, e.Mutations[0].Value)
	}

	require.NoError(t, reopened.Append(&domain.JournalEntry{TxID: "ta", State: domain.Committed}))
	entries, err = reopened.Recover()
	require.NoError(t, err)
	require.Len(t, entries, 13)
	assert.Equal(t, domain.Committed, entries[12].State)
}

func TestWriteAheadLogIgnoresTornTrailingLine(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileDatabase(&WriteAheadLogConfig{Dir: dir, Prefix: "file"})
	require.NoError(t, err)
	require.NoError(t, wal.Append(&domain.JournalEntry{TxID: "t1", State: domain.Prepared}))

	f, err := os.OpenFile(filepath.Join(dir, "0_file_wal"), os.O_WRONLY|os.O_APPEND, 0666)
	require.NoError(t, err)
	_, err = f.WriteString(`{"tx_id":"t1","sta`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileDatabase(&WriteAheadLogConfig{Dir: dir, Prefix: "file"})
	require.NoError(t, err)

	entries, err := reopened.Recover()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TxID)

	// Entries written after the restart must stay readable.
	require.NoError(t, reopened.Append(&domain.JournalEntry{TxID: "t3", State: domain.Prepared}))

	again, err := NewFileDatabase(&WriteAheadLogConfig{Dir: dir, Prefix: "file"})
	require.NoError(t, err)

	entries, err = again.Recover()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "t1", entries[0].TxID)
	assert.Equal(t, "t3", entries[1].TxID)
	assert.Equal(t, domain.Prepared, entries[1].State)
}

func TestWriteAheadLogSkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0_other_wal"), []byte("{}\n"), 0644))

	wal, err := NewFileDatabase(&WriteAheadLogConfig{Dir: dir, Prefix: "file"})
	require.NoError(t, err)

	require.NoError(t, wal.Append(&domain.JournalEntry{TxID: "t1", State: domain.Aborted}))

	entries, err := wal.Recover()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.Aborted, entries[0].State)
}

func TestWriteAheadLogCompactKeepsLiveTransactions(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileDatabase(&WriteAheadLogConfig{Dir: dir, MaxFileSize: 1, Prefix: "entity"})
	require.NoError(t, err)

	dropped, err := wal.Compact(func(string) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, dropped)

	value := []byte(strings.Repeat("v", 1100))
	for _, e := range []*domain.JournalEntry{
		{TxID: "t1", State: domain.Prepared, Mutations: []domain.Mutation{{Kind: domain.MutationPut, Key: "a", Value: value}}},
		{TxID: "t2", State: domain.Prepared, Mutations: []domain.Mutation{{Kind: domain.MutationPut, Key: "b", Value: value}}},
		{TxID: "t1", State: domain.Committed},
		{TxID: "t3", State: domain.Prepared, Mutations: []domain.Mutation{{Kind: domain.MutationPut, Key: "c", Value: value}}},
		{TxID: "t2", State: domain.Aborted},
	} {
		require.NoError(t, wal.Append(e))
	}
	require.Greater(t, len(walFiles(t, dir)), 1)

	dropped, err = wal.Compact(func(txID string) bool { return txID == "t3" })
	require.NoError(t, err)
	assert.Equal(t, 4, dropped)
	assert.Len(t, walFiles(t, dir), 1)

	require.NoError(t, wal.Append(&domain.JournalEntry{TxID: "t3", State: domain.Committed}))

	reopened, err := NewFileDatabase(&WriteAheadLogConfig{Dir: dir, MaxFileSize: 1, Prefix: "entity"})
	require.NoError(t, err)

	entries, err := reopened.Recover()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "t3", entries[0].TxID)
	assert.Equal(t, value, entries[0].Mutations[0].Value)
	assert.Equal(t, domain.Committed, entries[1].State)
}

func TestWriteAheadLogIgnoresUnfinishedCompaction(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileDatabase(&WriteAheadLogConfig{Dir: dir, Prefix: "file"})
	require.NoError(t, err)
	require.NoError(t, wal.Append(&domain.JournalEntry{TxID: "t1", State: domain.Prepared}))

	// A crash before the rename leaves only the temporary file behind.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1_file_wal.compact"), []byte(`{"tx_id":"t9","state":1}`+"\n"), 0644))

	reopened, err := NewFileDatabase(&WriteAheadLogConfig{Dir: dir, Prefix: "file"})
	require.NoError(t, err)

	entries, err := reopened.Recover()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TxID)
}
