package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner", "doc.pdf")
	require.NoError(t, WriteFileAtomic(path, []byte("%PDF-1.4")))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.4", string(b))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestChunkIDStable(t *testing.T) {
	require.Equal(t, ChunkID("d", 1, "x"), ChunkID("d", 1, "x"))
	require.NotEqual(t, ChunkID("d", 1, "x"), ChunkID("d", 2, "x"))
	require.Len(t, UsageID("d", "embedding", 3), 32)
}
