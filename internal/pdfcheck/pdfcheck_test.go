package pdfcheck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateRejectsEmpty(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, New(false).Validate(write(t, "")), ErrEmpty)
}

func TestValidateRejectsHTML(t *testing.T) {
	t.Parallel()
	err := New(true).Validate(write(t, "<html><body>Runtime Error</body></html>"))
	assert.ErrorIs(t, err, ErrNotPDF)
}

func TestValidateHeaderOnly(t *testing.T) {
	t.Parallel()
	assert.NoError(t, New(false).Validate(write(t, "%PDF-1.4\n%âãÏÓ\n")))
}

func TestValidateStructuralRejectsTruncated(t *testing.T) {
	t.Parallel()
	err := New(true).Validate(write(t, "%PDF-1.4\nthis is not a document body\n"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotPDF)
}

func TestValidateMissingFile(t *testing.T) {
	t.Parallel()
	assert.Error(t, New(true).Validate(filepath.Join(t.TempDir(), "absent.pdf")))
}
