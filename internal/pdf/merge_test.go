package pdf

import (
	"strings"
	"testing"
)

func TestMergeSingleChunkIsIdentity(t *testing.T) {
	part := &PartialResult{
		Text:   "only chunk",
		Images: map[string][]byte{"a.png": []byte("a")},
		Metadata: Metadata{
			TableOfContents: []TOCEntry{{Title: "Intro", HeadingLevel: 1}},
			PageStats:       []PageStat{{PageID: 0}, {PageID: 1}, {PageID: 2}},
		},
	}

	merged := MergeResults([]*PartialResult{part})
	if merged.Text != "only chunk" {
		t.Fatalf("text = %q", merged.Text)
	}
	if strings.Contains(merged.Text, ChunkSeparator) {
		t.Fatal("single chunk must not contain a separator")
	}
	if len(merged.Images) != 1 || len(merged.Metadata.PageStats) != 3 {
		t.Fatalf("unexpected merge: %+v", merged)
	}
}

func TestMergeMultipleChunks(t *testing.T) {
	parts := []*PartialResult{
		{
			Text:   "one",
			Images: map[string][]byte{"shared.png": []byte("first"), "p1.png": []byte("1")},
			Metadata: Metadata{
				TableOfContents: []TOCEntry{{Title: "First", HeadingLevel: 1}},
				PageStats:       []PageStat{{PageID: 0}, {PageID: 1}},
			},
		},
		{
			Text:   "two",
			Images: map[string][]byte{"shared.png": []byte("second")},
			Metadata: Metadata{
				TableOfContents: []TOCEntry{{Title: "Second", HeadingLevel: 1}},
				PageStats:       []PageStat{{PageID: 2}},
			},
		},
		{Text: "three"},
	}

	merged := MergeResults(parts)

	if got := strings.Split(merged.Text, ChunkSeparator); len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Fatalf("splitting merged text gave %q", got)
	}
	if string(merged.Images["shared.png"]) != "second" {
		t.Fatalf("later chunk should win image collisions, got %q", merged.Images["shared.png"])
	}
	if len(merged.Images) != 2 {
		t.Fatalf("images = %d", len(merged.Images))
	}
	if toc := merged.Metadata.TableOfContents; len(toc) != 1 || toc[0].Title != "First" {
		t.Fatalf("toc = %+v", toc)
	}
	if len(merged.Metadata.PageStats) != 3 || merged.Metadata.ChunkCount != 3 {
		t.Fatalf("metadata = %+v", merged.Metadata)
	}
}

func TestMergeNoChunks(t *testing.T) {
	merged := MergeResults(nil)
	if merged.Text != "" || merged.Images == nil {
		t.Fatalf("unexpected empty merge: %+v", merged)
	}
}
