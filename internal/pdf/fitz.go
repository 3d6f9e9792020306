package pdf

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"strings"
	"unicode/utf8"

	"github.com/gen2brain/go-fitz"
)

const (
	defaultImageDPI     = 150
	defaultImageQuality = 85
)

// FitzConverter は MuPDF (go-fitz) を使う組み込みの変換エンジンです。
// テキストレイヤーを Markdown として取り出し、必要に応じてページ画像を生成します。
// OCR は行わないため ForceOCR は無視されます。
type FitzConverter struct {
	DPI     float64
	Quality int
}

// Convert は rng のページを変換します。
func (c *FitzConverter) Convert(ctx context.Context, path string, rng ChunkRange, opts Options) (*PartialResult, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer doc.Close()

	if rng.Start < 0 || rng.End > doc.NumPage() {
		return nil, fmt.Errorf("page range %s out of bounds (pages=%d)", rng, doc.NumPage())
	}

	part := &PartialResult{
		Images: make(map[string][]byte),
		Metadata: Metadata{
			TableOfContents: []TOCEntry{},
			PageStats:       make([]PageStat, 0, rng.Len()),
		},
	}

	if outline, err := doc.ToC(); err == nil {
		for _, o := range outline {
			part.Metadata.TableOfContents = append(part.Metadata.TableOfContents, TOCEntry{
				Title:        o.Title,
				HeadingLevel: o.Level,
				PageID:       o.Page,
			})
		}
	}

	var b strings.Builder
	for page := rng.Start; page < rng.End; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, err := doc.Text(page)
		if err != nil {
			return nil, fmt.Errorf("failed to extract text from page %d: %w", page+1, err)
		}
		text = strings.TrimSpace(text)

		if opts.PaginateOutput {
			fmt.Fprintf(&b, "\n\n{%d}%s\n\n", page, strings.Repeat("-", 48))
		} else if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)

		stat := PageStat{
			PageID:               page,
			TextExtractionMethod: "pdftext",
			Characters:           utf8.RuneCountInString(text),
		}

		if opts.OutputImages {
			name, data, err := c.renderPage(doc, page)
			if err != nil {
				return nil, err
			}
			part.Images[name] = data
			stat.Images = 1
		}
		part.Metadata.PageStats = append(part.Metadata.PageStats, stat)
	}

	part.Text = b.String()
	return part, nil
}

func (c *FitzConverter) renderPage(doc *fitz.Document, page int) (string, []byte, error) {
	dpi := c.DPI
	if dpi <= 0 {
		dpi = defaultImageDPI
	}
	quality := c.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultImageQuality
	}

	img, err := doc.ImageDPI(page, dpi)
	if err != nil {
		return "", nil, fmt.Errorf("failed to render page %d: %w", page+1, err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", nil, fmt.Errorf("failed to encode page %d: %w", page+1, err)
	}
	return fmt.Sprintf("page_%04d.jpeg", page+1), buf.Bytes(), nil
}
