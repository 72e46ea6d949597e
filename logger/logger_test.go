package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.log")

	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path}, "txn-coordinator")
	require.NoError(t, err)

	log.Info("hello")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"service":"txn-coordinator"`)
	require.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	log, err := New(Config{Level: "nonsense", OutputFile: "stderr"}, "test")
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(-1))
}

func TestNewFailsOnUnwritableOutput(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "dir", "x.log")}, "test")
	require.Error(t, err)
}
