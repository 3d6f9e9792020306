// Package storage はアップロードされた入力ファイルのローカル保存を提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/doc-forge/internal/pdf"
)

// StoredFile は保存済みの入力ファイルです。
type StoredFile struct {
	Path         string
	OriginalName string
	Size         int64
}

// Local はローカルファイルシステム上の入力・出力ディレクトリを管理します。
//
// 入力ファイルは UploadDir/<jobID>_<filename> に保存され、ジョブ完了後に削除されます。
type Local struct {
	UploadDir string
	OutputDir string
}

// NewLocal は Local を作成します。
func NewLocal(uploadDir, outputDir string) *Local {
	return &Local{UploadDir: uploadDir, OutputDir: outputDir}
}

// EnsureDirs は入力・出力ディレクトリを作成します。
func (l *Local) EnsureDirs() error {
	for _, dir := range []string{l.UploadDir, l.OutputDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create dir %s: %w", dir, err)
		}
	}
	return nil
}

// SaveUpload は r を PDF として保存します。
// maxSize を超える場合は LIMIT_EXCEEDED、PDF 以外の場合は INVALID_INPUT を返します。
func (l *Local) SaveUpload(ctx context.Context, prefix, filename string, r io.Reader, maxSize int64) (_ StoredFile, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return StoredFile{}, err
	}

	name := sanitizeFilename(filename)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return StoredFile{}, pdf.NewError(pdf.CodeInvalidInput, "PDFファイルのみアップロードできます。", nil)
	}
	if err := os.MkdirAll(l.UploadDir, 0o755); err != nil {
		return StoredFile{}, fmt.Errorf("failed to create upload dir: %w", err)
	}

	path := filepath.Join(l.UploadDir, prefix+"_"+name)
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return StoredFile{}, fmt.Errorf("failed to create upload file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close upload file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	src := r
	if maxSize > 0 {
		src = io.LimitReader(r, maxSize+1)
	}
	size, err := io.Copy(out, src)
	if err != nil {
		return StoredFile{}, fmt.Errorf("failed to write upload file: %w", err)
	}
	if maxSize > 0 && size > maxSize {
		return StoredFile{}, pdf.NewError(pdf.CodeLimitExceeded, fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", maxSize/1024/1024), nil)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return StoredFile{}, fmt.Errorf("failed to detect upload type: %w", err)
	}
	if !mtype.Is("application/pdf") {
		return StoredFile{}, pdf.NewError(pdf.CodeInvalidInput, "PDFファイルのみアップロードできます。", nil)
	}

	return StoredFile{Path: path, OriginalName: name, Size: size}, nil
}

// Remove は path を削除します。存在しない場合は何もしません。
func (l *Local) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exists は path が通常ファイルとして存在するかを返します。
func (l *Local) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return "document.pdf"
	}
	return name
}
