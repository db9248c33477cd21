package sha256

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, helloDigest, got)
}

func TestHasherHashFileMatchesHash(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "0101234567.pdf")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	got, err := New().HashFile(path)
	require.NoError(t, err)
	require.Equal(t, helloDigest, got)
}

func TestHasherHashFileMissing(t *testing.T) {
	t.Parallel()

	_, err := New().HashFile(filepath.Join(t.TempDir(), "missing.pdf"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
