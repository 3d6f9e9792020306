package results

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-forge/internal/pdf"
)

func sampleResult() *pdf.MergedResult {
	return &pdf.MergedResult{
		Text: "# Title\n\nbody",
		Images: map[string][]byte{
			"page_0001.jpeg": []byte("img1"),
			"page_0002.jpeg": []byte("img2"),
		},
		Metadata: pdf.Metadata{
			TableOfContents: []pdf.TOCEntry{{Title: "Title", HeadingLevel: 1}},
			PageStats:       []pdf.PageStat{{PageID: 0}, {PageID: 1}},
			ChunkCount:      2,
		},
	}
}

func TestWriteAllOutputs(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	var percents []int
	opts := pdf.Options{OutputMarkdown: true, OutputJSON: true, OutputImages: true}
	out, err := w.Write("job1", "report.pdf", sampleResult(), opts, func(p pdf.Progress) {
		percents = append(percents, p.Percent)
	})
	require.NoError(t, err)
	assert.Equal(t, Outputs{Markdown: true, JSON: true, Images: true}, out)
	assert.Equal(t, []int{92, 95, 97}, percents)

	md, err := os.ReadFile(filepath.Join(root, "job1", "report.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nbody", string(md))

	raw, err := os.ReadFile(filepath.Join(root, "job1", "report.json"))
	require.NoError(t, err)
	var doc struct {
		Text     string       `json:"text"`
		Metadata pdf.Metadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "# Title\n\nbody", doc.Text)
	assert.Equal(t, 2, doc.Metadata.ChunkCount)
	assert.Len(t, doc.Metadata.PageStats, 2)

	assert.FileExists(t, filepath.Join(root, "job1", "images", "page_0001.jpeg"))
	assert.FileExists(t, filepath.Join(root, "job1", "images", "page_0002.jpeg"))
}

func TestWriteSkipsImagesWhenNoneProduced(t *testing.T) {
	w := NewWriter(t.TempDir())
	merged := sampleResult()
	merged.Images = nil

	out, err := w.Write("job1", "report.pdf", merged, pdf.DefaultOptions(), nil)
	require.NoError(t, err)
	assert.True(t, out.Markdown)
	assert.False(t, out.Images)
	assert.NoDirExists(t, filepath.Join(w.Root(), "job1", "images"))
}

func TestWriteFailureIsWriteError(t *testing.T) {
	root := t.TempDir()
	// ルートをファイルにしてディレクトリ作成を失敗させる
	blocker := filepath.Join(root, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	w := NewWriter(blocker)

	_, err := w.Write("job1", "report.pdf", sampleResult(), pdf.DefaultOptions(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pdf.ErrWrite))
}

func TestOpenDisabledKindIsNotFound(t *testing.T) {
	w := NewWriter(t.TempDir())
	opts := pdf.Options{OutputMarkdown: true, OutputJSON: false}
	_, err := w.Write("job1", "report.pdf", sampleResult(), opts, nil)
	require.NoError(t, err)

	_, err = w.Open("job1", KindJSON)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pdf.ErrNotFound))

	a, err := w.Open("job1", KindMarkdown)
	require.NoError(t, err)
	defer a.Body.Close()
	assert.Equal(t, "report.md", a.Filename)
}

func TestOpenUnknownJobIsNotFound(t *testing.T) {
	w := NewWriter(t.TempDir())
	_, err := w.Open("missing", KindMarkdown)
	assert.True(t, errors.Is(err, pdf.ErrNotFound))
}

func TestOpenImagesZip(t *testing.T) {
	w := NewWriter(t.TempDir())
	_, err := w.Write("job1", "scan.pdf", sampleResult(), pdf.Options{OutputImages: true}, nil)
	require.NoError(t, err)

	a, err := w.Open("job1", KindImages)
	require.NoError(t, err)
	assert.Equal(t, "scan_images.zip", a.Filename)

	data, err := io.ReadAll(a.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"page_0001.jpeg", "page_0002.jpeg"}, names)
}

func TestWriteKeepsImagesWithSameBasename(t *testing.T) {
	w := NewWriter(t.TempDir())
	merged := sampleResult()
	merged.Images = map[string][]byte{
		"a/x.png":     []byte("from a"),
		"b/x.png":     []byte("from b"),
		`c\x.png`:     []byte("from c"),
		"../../y.png": []byte("outside"),
	}

	_, err := w.Write("job1", "scan.pdf", merged, pdf.Options{OutputImages: true}, nil)
	require.NoError(t, err)

	imgDir := filepath.Join(w.Root(), "job1", "images")
	for name, want := range map[string]string{
		"x.png":   "from a",
		"x_2.png": "from b",
		"x_3.png": "from c",
		"y.png":   "outside",
	} {
		data, err := os.ReadFile(filepath.Join(imgDir, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(data), name)
	}

	a, err := w.Open("job1", KindImages)
	require.NoError(t, err)
	data, err := io.ReadAll(a.Body)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 4)
}

func TestDownloadHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := NewWriter(t.TempDir())
	_, err := w.Write("job1", "report.pdf", sampleResult(), pdf.Options{OutputMarkdown: true}, nil)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/api/download/:id/:kind", DownloadHandler(w))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/download/job1/markdown", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# Title\n\nbody", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "report.md")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/download/job1/json", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/download/job1/pdf", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStem(t *testing.T) {
	assert.Equal(t, "report", Stem("report.pdf"))
	assert.Equal(t, "a.b", Stem("dir/a.b.pdf"))
	assert.Equal(t, "document", Stem(""))
}
