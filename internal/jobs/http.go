package jobs

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/storage"
)

const maxHistoryLimit = 500

// Uploader はアップロードされたファイルを保存します。
type Uploader interface {
	SaveUpload(ctx context.Context, prefix, filename string, r io.Reader, maxSize int64) (storage.StoredFile, error)
	Remove(path string) error
}

// HandlerOptions は HTTP ハンドラーの設定です。
type HandlerOptions struct {
	MaxFileSize  int64
	HistoryLimit int
	Keepalive    time.Duration
}

// Handlers はキュー・履歴・設定の HTTP ハンドラーです。
type Handlers struct {
	manager  *Manager
	uploads  Uploader
	settings SettingsStore
	opts     HandlerOptions
	logger   zerolog.Logger
}

// NewHandlers は Handlers を作成します。
func NewHandlers(manager *Manager, uploads Uploader, settings SettingsStore, opts HandlerOptions, logger zerolog.Logger) *Handlers {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	return &Handlers{
		manager:  manager,
		uploads:  uploads,
		settings: settings,
		opts:     opts,
		logger:   logger,
	}
}

// Register はルートを登録します。
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/queue", h.Queue)
	r.POST("/queue/add", h.Add)
	r.DELETE("/queue/:id", h.Cancel)
	r.GET("/queue/stream", h.Stream)
	r.GET("/history", h.History)
	r.GET("/jobs/:id", h.Status)
	r.GET("/settings", h.GetSettings)
	r.POST("/settings", h.SaveSettings)
}

// Queue は GET /api/queue のハンドラーです。
func (h *Handlers) Queue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queue": h.manager.Queue()})
}

// Add は POST /api/queue/add のハンドラーです。
// 未指定のオプションは保存済みの設定を既定値として使います。
func (h *Handlers) Add(c *gin.Context) {
	ctx := c.Request.Context()

	form, err := c.MultipartForm()
	if err != nil {
		pdf.RespondWithError(c, pdf.NewError(pdf.CodeInvalidInput, "PDFファイルを選択してください。", err))
		return
	}
	fh, err := pdf.ExtractSingleFile(form)
	if err != nil {
		pdf.RespondWithError(c, err)
		return
	}

	opts, err := h.loadDefaults(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to load settings, using defaults")
		opts = pdf.DefaultOptions()
	}
	if opts, err = optionsFromForm(c, opts); err != nil {
		pdf.RespondWithError(c, err)
		return
	}

	src, err := fh.Open()
	if err != nil {
		pdf.RespondWithError(c, pdf.NewError(pdf.CodeInvalidInput, "アップロードされたファイルを読み込めませんでした。", err))
		return
	}
	defer src.Close()

	stored, err := h.uploads.SaveUpload(ctx, uuid.NewString(), fh.Filename, src, h.opts.MaxFileSize)
	if err != nil {
		pdf.RespondWithError(c, err)
		return
	}

	job, err := h.manager.Submit(ctx, Submission{
		SourcePath: stored.Path,
		Filename:   stored.OriginalName,
		FileSize:   stored.Size,
		Options:    opts,
	})
	if err != nil {
		_ = h.uploads.Remove(stored.Path)
		h.logger.Error().Err(err).Str("filename", stored.OriginalName).Msg("failed to submit job")
		pdf.RespondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":   job.ID,
		"filename": job.Filename,
		"status":   job.Status,
		"position": len(h.manager.Queue()),
	})
}

func optionsFromForm(c *gin.Context, opts pdf.Options) (pdf.Options, error) {
	fields := []struct {
		key string
		dst *bool
	}{
		{"output_markdown", &opts.OutputMarkdown},
		{"output_json", &opts.OutputJSON},
		{"output_images", &opts.OutputImages},
		{"force_ocr", &opts.ForceOCR},
		{"paginate_output", &opts.PaginateOutput},
	}
	for _, f := range fields {
		v, err := pdf.FormBool(c, f.key, *f.dst)
		if err != nil {
			return opts, err
		}
		*f.dst = v
	}
	return opts, nil
}

// Cancel は DELETE /api/queue/:id のハンドラーです。
func (h *Handlers) Cancel(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := h.manager.Cancel(c.Request.Context(), id); err != nil {
		pdf.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "status": "cancelled"})
}

// Stream は GET /api/queue/stream のハンドラーです（Server-Sent Events）。
// 接続直後に現在のキューを送り、以降は更新のたびに配信します。
func (h *Handlers) Stream(c *gin.Context) {
	obs := h.manager.Subscribe()
	defer h.manager.Unsubscribe(obs)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		ev, ok := obs.Next(ctx, h.opts.Keepalive)
		if !ok {
			return false
		}
		c.SSEvent("", ev)
		return true
	})
}

// History は GET /api/history のハンドラーです。
func (h *Handlers) History(c *gin.Context) {
	limit := h.opts.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    pdf.CodeInvalidInput,
				"message": "limit は正の整数で指定してください。",
			})
			return
		}
		limit = min(v, maxHistoryLimit)
	}

	records, err := h.manager.History(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to load history")
		pdf.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": records})
}

// Status は GET /api/jobs/:id のハンドラーです。
func (h *Handlers) Status(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    pdf.CodeInvalidInput,
			"message": "jobId を指定してください。",
		})
		return
	}

	job, err := h.manager.Get(c.Request.Context(), jobID)
	if err != nil {
		pdf.RespondWithError(c, err)
		return
	}

	payload := gin.H{
		"id":         job.ID,
		"filename":   job.Filename,
		"file_size":  job.FileSize,
		"status":     job.Status,
		"options":    job.Options,
		"progress":   job.Progress,
		"outputs":    job.Outputs,
		"created_at": job.CreatedAt,
	}
	if job.StartedAt != nil {
		payload["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		payload["completed_at"] = job.CompletedAt
	}
	if job.Error != nil {
		payload["error"] = job.Error
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handlers) loadDefaults(ctx context.Context) (pdf.Options, error) {
	if h.settings == nil {
		return pdf.DefaultOptions(), nil
	}
	return h.settings.LoadSettings(ctx)
}

// GetSettings は GET /api/settings のハンドラーです。
func (h *Handlers) GetSettings(c *gin.Context) {
	opts, err := h.loadDefaults(c.Request.Context())
	if err != nil {
		pdf.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

type settingsPatch struct {
	OutputMarkdown *bool `json:"output_markdown"`
	OutputJSON     *bool `json:"output_json"`
	OutputImages   *bool `json:"output_images"`
	ForceOCR       *bool `json:"force_ocr"`
	PaginateOutput *bool `json:"paginate_output"`
}

// SaveSettings は POST /api/settings のハンドラーです。指定された項目だけを更新します。
func (h *Handlers) SaveSettings(c *gin.Context) {
	if h.settings == nil {
		pdf.RespondWithError(c, pdf.NewError(pdf.CodeNotFound, "設定の保存先がありません。", nil))
		return
	}
	var patch settingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		pdf.RespondWithError(c, pdf.NewError(pdf.CodeInvalidInput, "設定の形式が不正です。", err))
		return
	}

	ctx := c.Request.Context()
	opts, err := h.settings.LoadSettings(ctx)
	if err != nil {
		pdf.RespondWithError(c, err)
		return
	}
	apply := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&opts.OutputMarkdown, patch.OutputMarkdown)
	apply(&opts.OutputJSON, patch.OutputJSON)
	apply(&opts.OutputImages, patch.OutputImages)
	apply(&opts.ForceOCR, patch.ForceOCR)
	apply(&opts.PaginateOutput, patch.PaginateOutput)

	if err := h.settings.SaveSettings(ctx, opts); err != nil {
		h.logger.Error().Err(err).Msg("failed to save settings")
		pdf.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}
