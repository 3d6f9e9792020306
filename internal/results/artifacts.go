package results

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/doc-forge/internal/pdf"
)

// Open は jobID の kind 成果物を開きます。
// 成果物が作られていない（無効化されていた・ジョブが完了していない）場合は ErrNotFound に該当するエラーを返します。
func (w *Writer) Open(jobID string, kind Kind) (*pdf.Attachment, error) {
	if strings.TrimSpace(jobID) == "" || strings.ContainsAny(jobID, `/\`) {
		return nil, pdf.NewError(pdf.CodeInvalidInput, "jobId を指定してください。", nil)
	}

	dir := w.JobDir(jobID)
	manifest, err := loadManifest(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound()
		}
		return nil, err
	}
	if !manifest.Outputs.Has(kind) {
		return nil, notFound()
	}

	switch kind {
	case KindMarkdown:
		return openFile(filepath.Join(dir, manifest.Stem+".md"), manifest.Stem+".md", "text/markdown; charset=utf-8")
	case KindJSON:
		return openFile(filepath.Join(dir, manifest.Stem+".json"), manifest.Stem+".json", "application/json")
	case KindImages:
		var buf bytes.Buffer
		if err := createZip(&buf, filepath.Join(dir, imagesDirname), manifest.Images); err != nil {
			return nil, err
		}
		return &pdf.Attachment{
			Filename:    manifest.Stem + "_images.zip",
			ContentType: "application/zip",
			Size:        int64(buf.Len()),
			Body:        io.NopCloser(&buf),
		}, nil
	}
	return nil, notFound()
}

func notFound() error {
	return pdf.NewError(pdf.CodeNotFound, "ジョブの成果物が見つかりませんでした。", nil)
}

func openFile(path, name, contentType string) (*pdf.Attachment, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound()
		}
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &pdf.Attachment{
		Filename:    name,
		ContentType: contentType,
		Size:        info.Size(),
		Body:        file,
	}, nil
}

func createZip(w io.Writer, dir string, names []string) error {
	zipWriter := zip.NewWriter(w)

	for _, name := range names {
		path := filepath.Join(dir, filepath.Base(name))
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("zip入力ファイルのオープンに失敗しました: %w", err)
		}

		info, err := file.Stat()
		if err != nil {
			file.Close()
			return fmt.Errorf("zip入力ファイルの情報取得に失敗しました: %w", err)
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			file.Close()
			return fmt.Errorf("zipヘッダーの生成に失敗しました: %w", err)
		}
		header.Name = filepath.Base(path)
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			file.Close()
			return fmt.Errorf("zipヘッダーの書き込みに失敗しました: %w", err)
		}

		if _, err := io.Copy(writer, file); err != nil {
			file.Close()
			return fmt.Errorf("zipへの書き込みに失敗しました: %w", err)
		}
		file.Close()
	}

	return zipWriter.Close()
}
