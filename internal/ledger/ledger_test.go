package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFileLedger_MissingFileIsEmpty(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "sent.txt"), nil)

	ok, err := l.Contains("T1")
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := l.IDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFileLedger_RecordSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sent.txt")

	l := New(path, nil)
	require.NoError(t, l.Record("T1"))
	require.NoError(t, l.Record("S2"))

	reopened := New(path, nil)
	for _, id := range []string{"T1", "S2"} {
		ok, err := reopened.Contains(id)
		require.NoError(t, err)
		assert.True(t, ok, "id %s should survive restart", id)
	}
	ok, err := reopened.Contains("R3")
	require.NoError(t, err)
	assert.False(t, ok)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "T1\nS2\n", string(data))
}

func TestFileLedger_RecordIsIdempotentOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sent.txt")
	l := New(path, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record("T1"))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "T1\n", string(data))
}

func TestFileLedger_PartialTailIgnoredAndTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sent.txt")
	require.NoError(t, os.WriteFile(path, []byte("T1\nS2\nR33"), 0o644))

	core, logs := observer.New(zap.WarnLevel)
	l := New(path, zap.New(core))

	ok, err := l.Contains("R33")
	require.NoError(t, err)
	assert.False(t, ok, "partial trailing line must not count as recorded")

	ok, err = l.Contains("S2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("ledger partial tail truncated").Len())

	require.NoError(t, l.Record("R3"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "T1\nS2\nR3\n", string(data), "new entry must not fuse with the partial tail")
}

func TestFileLedger_IgnoresBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sent.txt")
	require.NoError(t, os.WriteFile(path, []byte("T1\n\n  \r\nS2\r\n"), 0o644))

	ids, err := New(path, nil).IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "S2"}, ids)
}

func TestFileLedger_IDsInAppendOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sent.txt")
	require.NoError(t, os.WriteFile(path, []byte("B\nA\nB\n"), 0o644))

	l := New(path, nil)
	require.NoError(t, l.Record("C"))

	ids, err := l.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A", "C"}, ids)
}

func TestFileLedger_RecordRejectsInvalidID(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "sent.txt"), nil)
	assert.ErrorIs(t, l.Record(""), ErrInvalidID)
	assert.ErrorIs(t, l.Record("A\nB"), ErrInvalidID)
}

func TestFileLedger_ReadFailureFailsOpen(t *testing.T) {
	// A directory cannot be read as a file.
	dir := t.TempDir()
	l := New(dir, nil)

	ok, err := l.Contains("T1")
	assert.False(t, ok)
	var ioErr *LedgerIOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, "read", ioErr.Op)
}

func TestFileLedger_WriteFailureKeepsPendingAndRetries(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "state")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	path := filepath.Join(blocker, "sent.txt")

	l := New(path, nil)
	err := l.Record("T1")
	var ioErr *LedgerIOError
	require.True(t, errors.As(err, &ioErr), "got %v", err)
	assert.Equal(t, "write", ioErr.Op)
	assert.Equal(t, 1, l.Pending())

	ok, _ := l.Contains("T1")
	assert.True(t, ok, "a failed write must not allow a second send from this process")

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, l.Flush())
	assert.Equal(t, 0, l.Pending())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "T1\n", string(data))
}

func TestFileLedger_PendingFlushedByNextRecord(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "state")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	path := filepath.Join(blocker, "sent.txt")

	l := New(path, nil)
	require.Error(t, l.Record("T1"))

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, l.Record("S2"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "T1\nS2\n", string(data))
}

func TestFileLedger_FlushNoPending(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "sent.txt"), nil)
	assert.NoError(t, l.Flush())
}
