package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-forge/internal/pdf"
)

const minimalPDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"

func TestSaveUploadStoresPDF(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(filepath.Join(dir, "in"), filepath.Join(dir, "out"))

	stored, err := l.SaveUpload(context.Background(), "job1", "../report.pdf", strings.NewReader(minimalPDF), 1024)
	require.NoError(t, err)

	assert.Equal(t, "report.pdf", stored.OriginalName)
	assert.Equal(t, int64(len(minimalPDF)), stored.Size)
	assert.Equal(t, filepath.Join(dir, "in", "job1_report.pdf"), stored.Path)
	assert.True(t, l.Exists(stored.Path))
}

func TestSaveUploadRejectsNonPDF(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir, dir)

	_, err := l.SaveUpload(context.Background(), "job1", "notes.pdf", strings.NewReader("just some text"), 1024)
	require.Error(t, err)

	var apiErr *pdf.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, pdf.CodeInvalidInput, apiErr.Code)
	assert.NoFileExists(t, filepath.Join(dir, "job1_notes.pdf"))

	_, err = l.SaveUpload(context.Background(), "job2", "notes.txt", strings.NewReader(minimalPDF), 1024)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, pdf.CodeInvalidInput, apiErr.Code)
}

func TestSaveUploadEnforcesLimit(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir, dir)

	body := bytes.Repeat([]byte("x"), 64)
	_, err := l.SaveUpload(context.Background(), "job1", "big.pdf", bytes.NewReader(append([]byte(minimalPDF), body...)), 32)

	var apiErr *pdf.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, pdf.CodeLimitExceeded, apiErr.Code)
	assert.NoFileExists(t, filepath.Join(dir, "job1_big.pdf"))
}

func TestRemoveIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir, dir)
	path := filepath.Join(dir, "a.pdf")
	require.NoError(t, os.WriteFile(path, []byte(minimalPDF), 0o600))

	require.NoError(t, l.Remove(path))
	require.NoError(t, l.Remove(path))
	assert.False(t, l.Exists(path))
}
