package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/storage"
)

const minimalPDF = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"

func newTestRouter(t *testing.T, f *fixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	uploads := storage.NewLocal(filepath.Join(f.dir, "uploads"), filepath.Join(f.dir, "outputs"))
	h := NewHandlers(f.manager, uploads, f.store, HandlerOptions{
		MaxFileSize:  1 << 20,
		HistoryLimit: 10,
		Keepalive:    50 * time.Millisecond,
	}, zerolog.Nop())

	r := gin.New()
	h.Register(r.Group("/api"))
	return r
}

func multipartBody(t *testing.T, field, filename, content string, values map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range values {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func do(r http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestAddAndStatus(t *testing.T) {
	f := newFixture(t, 3, nil)
	r := newTestRouter(t, f)

	body, ct := multipartBody(t, "file", "報告書.pdf", minimalPDF, map[string]string{"output_json": "true"})
	rec := do(r, http.MethodPost, "/api/queue/add", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode(t, rec)
	jobID, _ := resp["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "報告書.pdf", resp["filename"])
	assert.Equal(t, "queued", resp["status"])

	f.waitIdle(t)

	rec = do(r, http.MethodGet, "/api/jobs/"+jobID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "complete", status["status"])
	outputs := status["outputs"].(map[string]any)
	assert.Equal(t, true, outputs["has_markdown"])
	assert.Equal(t, true, outputs["has_json"])
	options := status["options"].(map[string]any)
	assert.Equal(t, true, options["output_json"])

	rec = do(r, http.MethodGet, "/api/jobs/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddRejectsInvalidUploads(t *testing.T) {
	f := newFixture(t, 1, nil)
	r := newTestRouter(t, f)

	body, ct := multipartBody(t, "file", "notes.pdf", "plain text", nil)
	rec := do(r, http.MethodPost, "/api/queue/add", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, pdf.CodeInvalidInput, decode(t, rec)["code"])

	body, ct = multipartBody(t, "", "", "", map[string]string{"output_json": "true"})
	rec = do(r, http.MethodPost, "/api/queue/add", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct = multipartBody(t, "file", "ok.pdf", minimalPDF, map[string]string{"force_ocr": "sometimes"})
	rec = do(r, http.MethodPost, "/api/queue/add", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := minimalPDF + strings.Repeat(" ", 1<<20)
	body, ct = multipartBody(t, "file", "big.pdf", big, nil)
	rec = do(r, http.MethodPost, "/api/queue/add", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	assert.Empty(t, f.manager.Queue())
}

func TestCancelEndpoint(t *testing.T) {
	conv := &gatedConverter{gate: make(chan struct{}), started: make(chan string, 4)}
	f := newFixture(t, 1, conv)
	r := newTestRouter(t, f)

	running := f.submit(t, "running.pdf")
	waiting := f.submit(t, "waiting.pdf")
	<-conv.started

	rec := do(r, http.MethodDelete, "/api/queue/"+running.ID, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(r, http.MethodDelete, "/api/queue/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(r, http.MethodDelete, "/api/queue/"+waiting.ID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(r, http.MethodGet, "/api/queue", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Queue []QueueItem `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Queue, 1)
	assert.Equal(t, running.ID, payload.Queue[0].ID)

	close(conv.gate)
	f.waitIdle(t)
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t, 1, nil)
	r := newTestRouter(t, f)

	f.submit(t, "a.pdf")
	last := f.submit(t, "b.pdf")
	f.waitIdle(t)

	rec := do(r, http.MethodGet, "/api/history?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Jobs []Record `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Jobs, 1)
	assert.Equal(t, last.ID, payload.Jobs[0].ID)
	assert.Equal(t, StatusComplete, payload.Jobs[0].Status)

	rec = do(r, http.MethodGet, "/api/history?limit=zero", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	f := newFixture(t, 1, nil)
	r := newTestRouter(t, f)

	rec := do(r, http.MethodGet, "/api/settings", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var opts pdf.Options
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opts))
	assert.Equal(t, pdf.DefaultOptions(), opts)

	rec = do(r, http.MethodPost, "/api/settings", bytes.NewBufferString(`{"output_json":true,"output_images":false}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opts))
	assert.Equal(t, pdf.Options{OutputMarkdown: true, OutputJSON: true}, opts)

	rec = do(r, http.MethodPost, "/api/settings", bytes.NewBufferString(`{"output_json":`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 保存した設定は次の投入の既定値になる
	body, ct := multipartBody(t, "file", "defaults.pdf", minimalPDF, nil)
	rec = do(r, http.MethodPost, "/api/queue/add", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	f.waitIdle(t)

	job, err := f.manager.Get(context.Background(), decode(t, rec)["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, pdf.Options{OutputMarkdown: true, OutputJSON: true}, job.Options)
}

func TestStreamSendsSnapshotAndKeepalive(t *testing.T) {
	f := newFixture(t, 1, nil)
	srv := httptest.NewServer(newTestRouter(t, f))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/queue/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var types []EventType
	for len(types) < 2 && scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventQueueUpdate, EventKeepalive}, types)
}
