package pdf

import "fmt"

// Options は投入時に確定する変換設定のスナップショットです。
// ジョブ投入後に変更されることはありません。
type Options struct {
	OutputMarkdown bool `json:"output_markdown"`
	OutputJSON     bool `json:"output_json"`
	OutputImages   bool `json:"output_images"`
	ForceOCR       bool `json:"force_ocr"`
	PaginateOutput bool `json:"paginate_output"`
}

// DefaultOptions は設定が保存されていない場合の既定値を返します。
func DefaultOptions() Options {
	return Options{
		OutputMarkdown: true,
		OutputImages:   true,
	}
}

// ChunkRange は 0-based の半開区間 [Start, End) で表したページ範囲です。
type ChunkRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len は範囲に含まれるページ数を返します。
func (r ChunkRange) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// String は 1-based の表示用表現（例: "1-5"）を返します。
func (r ChunkRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start+1, r.End)
}

// TOCEntry は目次の1項目です。
type TOCEntry struct {
	Title        string `json:"title"`
	HeadingLevel int    `json:"heading_level"`
	PageID       int    `json:"page_id"`
}

// PageStat はページ単位の統計情報です。
type PageStat struct {
	PageID               int    `json:"page_id"`
	TextExtractionMethod string `json:"text_extraction_method,omitempty"`
	Characters           int    `json:"characters,omitempty"`
	Images               int    `json:"images,omitempty"`
}

// Metadata は変換結果に付随するメタデータです。
type Metadata struct {
	TableOfContents []TOCEntry `json:"table_of_contents"`
	PageStats       []PageStat `json:"page_stats"`
	ChunkCount      int        `json:"chunk_count,omitempty"`
}

// PartialResult は1チャンク分の変換結果です。マージ後に破棄されます。
type PartialResult struct {
	Text     string
	Images   map[string][]byte
	Metadata Metadata
	Range    ChunkRange
}

// MergedResult はジョブ全体の変換結果です。書き出し後は変更されません。
type MergedResult struct {
	Text     string
	Images   map[string][]byte
	Metadata Metadata
}
