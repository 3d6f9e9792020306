package pdf

import (
	"context"
	"fmt"
)

// DefaultMaxPagesPerChunk は1回の変換で扱う最大ページ数の既定値です。
// GPU/メモリのピーク使用量を抑えるための上限です。
const DefaultMaxPagesPerChunk = 5

// PlanChunks は [0, pageCount) を maxPerChunk ページ以下の連続した区間に分割します。
// pageCount が 0 以下の場合は空のスライスを返します。
func PlanChunks(pageCount, maxPerChunk int) []ChunkRange {
	if pageCount <= 0 {
		return nil
	}
	if maxPerChunk <= 0 {
		maxPerChunk = DefaultMaxPagesPerChunk
	}
	if pageCount <= maxPerChunk {
		return []ChunkRange{{Start: 0, End: pageCount}}
	}

	chunks := make([]ChunkRange, 0, (pageCount+maxPerChunk-1)/maxPerChunk)
	for start := 0; start < pageCount; start += maxPerChunk {
		end := min(start+maxPerChunk, pageCount)
		chunks = append(chunks, ChunkRange{Start: start, End: end})
	}
	return chunks
}

// Planner は入力ファイルのページ数からチャンク計画を作成します。
type Planner struct {
	Counter          PageCounter
	MaxPagesPerChunk int
}

// Plan はチャンク一覧と総ページ数を返します。
// ページ数が取得できない場合は ErrChunkPlanning に該当するエラーを返します。
func (p Planner) Plan(ctx context.Context, path string) ([]ChunkRange, int, error) {
	if p.Counter == nil {
		return nil, 0, NewError(CodeChunkPlanning, "ページ数の取得手段が設定されていません。", nil)
	}
	pages, err := p.Counter.CountPages(ctx, path)
	if err != nil {
		return nil, 0, NewError(CodeChunkPlanning, "PDFのページ数を取得できませんでした。", err)
	}
	if pages < 0 {
		return nil, 0, NewError(CodeChunkPlanning, fmt.Sprintf("不正なページ数です: %d", pages), nil)
	}
	return PlanChunks(pages, p.MaxPagesPerChunk), pages, nil
}
