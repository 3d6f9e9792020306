package pdf

import "strings"

// ChunkSeparator はチャンク間のテキストを区切る表示用の区切り線です。
var ChunkSeparator = "\n\n" + strings.Repeat("-", 48) + "\n\n"

// MergeResults はチャンク順に並んだ部分結果を1つの結果にまとめます。
//
// 1チャンクの場合はそのまま返します（区切り線は挿入しません）。
// 複数チャンクの場合、テキストは ChunkSeparator で連結し、画像は後勝ちで統合、
// メタデータは先頭チャンクの目次とすべてのページ統計を引き継ぎます。
func MergeResults(parts []*PartialResult) *MergedResult {
	switch len(parts) {
	case 0:
		return &MergedResult{Images: map[string][]byte{}}
	case 1:
		p := parts[0]
		return &MergedResult{
			Text:     p.Text,
			Images:   p.Images,
			Metadata: p.Metadata,
		}
	}

	texts := make([]string, len(parts))
	images := make(map[string][]byte)
	meta := Metadata{
		TableOfContents: parts[0].Metadata.TableOfContents,
		PageStats:       []PageStat{},
		ChunkCount:      len(parts),
	}
	for i, p := range parts {
		texts[i] = p.Text
		for name, img := range p.Images {
			images[name] = img
		}
		meta.PageStats = append(meta.PageStats, p.Metadata.PageStats...)
	}

	return &MergedResult{
		Text:     strings.Join(texts, ChunkSeparator),
		Images:   images,
		Metadata: meta,
	}
}
