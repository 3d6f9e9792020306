// Package results はマージ済みの変換結果を成果物として書き出し、ダウンロード用に開きます。
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/yourusername/doc-forge/internal/pdf"
)

// Kind は成果物の種類です。
type Kind string

const (
	KindMarkdown Kind = "markdown"
	KindJSON     Kind = "json"
	KindImages   Kind = "images"
)

// ParseKind は文字列を Kind に変換します。
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(s)) {
	case KindMarkdown:
		return KindMarkdown, true
	case KindJSON:
		return KindJSON, true
	case KindImages:
		return KindImages, true
	}
	return "", false
}

// Outputs は実際に書き出された成果物のフラグです。
type Outputs struct {
	Markdown bool `json:"has_markdown"`
	JSON     bool `json:"has_json"`
	Images   bool `json:"has_images"`
}

// Has は kind の成果物が存在するかを返します。
func (o Outputs) Has(kind Kind) bool {
	switch kind {
	case KindMarkdown:
		return o.Markdown
	case KindJSON:
		return o.JSON
	case KindImages:
		return o.Images
	}
	return false
}

const imagesDirname = "images"

// Writer はジョブごとの出力ディレクトリ <root>/<jobID>/ に成果物を書き出します。
type Writer struct {
	root string
	now  func() time.Time
}

// NewWriter は Writer を作成します。
func NewWriter(root string) *Writer {
	return &Writer{root: root, now: time.Now}
}

// Root は出力ディレクトリのルートを返します。
func (w *Writer) Root() string {
	return w.root
}

// JobDir は jobID の出力ディレクトリを返します。
func (w *Writer) JobDir(jobID string) string {
	return filepath.Join(w.root, jobID)
}

type structuredOutput struct {
	Text     string       `json:"text"`
	Metadata pdf.Metadata `json:"metadata"`
}

// Write は merged をフラグに従って書き出し、実際に書き出した成果物を返します。
//
// 書き出しに失敗した場合は ErrWrite に該当するエラーを返し、
// 途中まで作成したジョブディレクトリは削除します。
func (w *Writer) Write(jobID, filename string, merged *pdf.MergedResult, opts pdf.Options, reporter pdf.ProgressReporter) (_ Outputs, err error) {
	if strings.TrimSpace(jobID) == "" {
		return Outputs{}, pdf.NewError(pdf.CodeWrite, "ジョブIDが指定されていません。", nil)
	}
	if merged == nil {
		merged = &pdf.MergedResult{}
	}

	dir := w.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Outputs{}, pdf.NewError(pdf.CodeWrite, "出力ディレクトリを作成できませんでした。", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	stem := Stem(filename)
	var out Outputs

	if opts.OutputMarkdown {
		pdf.Report(reporter, 92, "Writing markdown...")
		if err := os.WriteFile(filepath.Join(dir, stem+".md"), []byte(merged.Text), 0o640); err != nil {
			return Outputs{}, pdf.NewError(pdf.CodeWrite, "Markdown の書き出しに失敗しました。", err)
		}
		out.Markdown = true
	}

	if opts.OutputJSON {
		pdf.Report(reporter, 95, "Writing JSON...")
		payload, err := json.MarshalIndent(structuredOutput{Text: merged.Text, Metadata: merged.Metadata}, "", "  ")
		if err != nil {
			return Outputs{}, pdf.NewError(pdf.CodeWrite, "JSON の生成に失敗しました。", err)
		}
		if err := os.WriteFile(filepath.Join(dir, stem+".json"), payload, 0o640); err != nil {
			return Outputs{}, pdf.NewError(pdf.CodeWrite, "JSON の書き出しに失敗しました。", err)
		}
		out.JSON = true
	}

	var imageNames []string
	if opts.OutputImages && len(merged.Images) > 0 {
		pdf.Report(reporter, 97, "Saving images...")
		imgDir := filepath.Join(dir, imagesDirname)
		if err := os.MkdirAll(imgDir, 0o755); err != nil {
			return Outputs{}, pdf.NewError(pdf.CodeWrite, "画像ディレクトリを作成できませんでした。", err)
		}
		keys := make([]string, 0, len(merged.Images))
		for name := range merged.Images {
			keys = append(keys, name)
		}
		sort.Strings(keys)

		used := make(map[string]bool, len(keys))
		for _, name := range keys {
			base := imageFilename(name, used)
			if err := os.WriteFile(filepath.Join(imgDir, base), merged.Images[name], 0o640); err != nil {
				return Outputs{}, pdf.NewError(pdf.CodeWrite, fmt.Sprintf("画像 %s の書き出しに失敗しました。", base), err)
			}
			imageNames = append(imageNames, base)
		}
		sort.Strings(imageNames)
		out.Images = true
	}

	manifest := &Manifest{
		JobID:      jobID,
		Filename:   filename,
		Stem:       stem,
		Outputs:    out,
		Images:     imageNames,
		ChunkCount: merged.Metadata.ChunkCount,
		CreatedAt:  w.now().UTC(),
	}
	if err := writeManifest(dir, manifest); err != nil {
		return Outputs{}, pdf.NewError(pdf.CodeWrite, "マニフェストの書き出しに失敗しました。", err)
	}

	return out, nil
}

// imageFilename は画像キーを images/ 直下のファイル名にします。
// ディレクトリ部分を落とした結果が既出の名前と重なる場合は _2, _3 ... を付けます。
func imageFilename(key string, used map[string]bool) string {
	base := path.Base(strings.ReplaceAll(key, "\\", "/"))
	if base == "." || base == ".." || base == "/" {
		base = "image"
	}
	name := base
	ext := path.Ext(base)
	for i := 2; used[name]; i++ {
		name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, ext), i, ext)
	}
	used[name] = true
	return name
}

// Remove は jobID の出力ディレクトリを削除します。
func (w *Writer) Remove(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return nil
	}
	return os.RemoveAll(w.JobDir(jobID))
}

// Stem は表示用ファイル名から拡張子を除いた部分を返します。
func Stem(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == "/" {
		return "document"
	}
	return stem
}
