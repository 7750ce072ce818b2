package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestExecuteAndTraceReturnsOperationError(t *testing.T) {
	want := errors.New("boom")
	err := ExecuteAndTrace(context.Background(), NoOpTracer(), "test.op", nil, func(context.Context) error {
		return want
	})
	assert.ErrorIs(t, err, want)

	err = ExecuteAndTrace(context.Background(), NoOpTracer(), "test.op", nil, func(context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}
