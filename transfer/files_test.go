package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	content := []byte("the quick brown fox")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	sum, err := ChecksumFile(path)
	require.NoError(t, err)
	expected := sha256.Sum256(content)
	require.Equal(t, hex.EncodeToString(expected[:]), sum)

	_, err = ChecksumFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestChunkCount(t *testing.T) {
	tests := []struct {
		size      int64
		chunkSize int
		want      int
	}{
		{size: 0, chunkSize: 1024, want: 0},
		{size: -1, chunkSize: 1024, want: 0},
		{size: 1, chunkSize: 1024, want: 1},
		{size: 1024, chunkSize: 1024, want: 1},
		{size: 1025, chunkSize: 1024, want: 2},
		{size: 4096, chunkSize: 1024, want: 4},
		{size: 100, chunkSize: 0, want: 0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, chunkCount(tt.size, tt.chunkSize), "size=%d chunk=%d", tt.size, tt.chunkSize)
	}
}

func TestUniquePathSuffixesBeforeExtension(t *testing.T) {
	dir := t.TempDir()

	first := uniquePath(dir, "report.pdf")
	require.Equal(t, filepath.Join(dir, "report.pdf"), first)
	require.NoError(t, os.WriteFile(first, nil, 0o600))

	second := uniquePath(dir, "report.pdf")
	require.Equal(t, filepath.Join(dir, "report (1).pdf"), second)
	require.NoError(t, os.WriteFile(second, nil, 0o600))

	third := uniquePath(dir, "report.pdf")
	require.Equal(t, filepath.Join(dir, "report (2).pdf"), third)

	// A path-like filename is reduced to its base; an empty base falls back.
	require.Equal(t, filepath.Join(dir, "notes.txt"), uniquePath(dir, "/tmp/elsewhere/notes.txt"))
	require.Equal(t, filepath.Join(dir, "file.bin"), uniquePath(dir, ""))
}
