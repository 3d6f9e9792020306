package pdf

import (
	"context"
	"fmt"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageCounter は文書のページ数を返します。
type PageCounter interface {
	CountPages(ctx context.Context, path string) (int, error)
}

// PDFCPUCounter は pdfcpu を使ってページ数を数えます。
type PDFCPUCounter struct{}

// CountPages は PDF のページ数を返します。
func (PDFCPUCounter) CountPages(ctx context.Context, path string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}
	return pages, nil
}
