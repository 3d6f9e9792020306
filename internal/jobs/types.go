package jobs

import (
	"time"

	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/results"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// Terminal は完了・失敗のいずれかであれば true を返します。
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// canTransition は状態遷移が前進方向のみであることを保証します。
func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusError
	case StatusProcessing:
		return to == StatusComplete || to == StatusError
	}
	return false
}

// エラーコード（変換以外の理由でジョブが終了した場合）
const (
	CodeCancelled     = "CANCELLED"
	CodeInterrupted   = "INTERRUPTED"
	CodeSourceMissing = "SOURCE_MISSING"
	CodeInternal      = "INTERNAL_ERROR"
)

// ProgressInfo は処理中ジョブの進捗です。
type ProgressInfo struct {
	CurrentChunk int    `json:"current_chunk"`
	TotalChunks  int    `json:"total_chunks"`
	Percent      int    `json:"percent"`
	Message      string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job はジョブの現在状態です。
//
// Progress は processing 中のみ更新され、Outputs は complete の場合のみ、
// Error は error の場合のみ設定されます。
type Job struct {
	ID          string          `json:"id"`
	Filename    string          `json:"filename"`
	FileSize    int64           `json:"file_size"`
	SourcePath  string          `json:"source_path"`
	Options     pdf.Options     `json:"options"`
	Status      Status          `json:"status"`
	Progress    ProgressInfo    `json:"progress"`
	Outputs     results.Outputs `json:"outputs"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Record は履歴APIで返すジョブの要約です。
type Record struct {
	ID           string     `json:"id"`
	Filename     string     `json:"filename"`
	FileSize     int64      `json:"file_size"`
	Status       Status     `json:"status"`
	TotalChunks  int        `json:"total_chunks"`
	HasMarkdown  bool       `json:"has_markdown"`
	HasJSON      bool       `json:"has_json"`
	HasImages    bool       `json:"has_images"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RecordOf は Job から Record を作成します。
func RecordOf(j *Job) Record {
	r := Record{
		ID:          j.ID,
		Filename:    j.Filename,
		FileSize:    j.FileSize,
		Status:      j.Status,
		TotalChunks: j.Progress.TotalChunks,
		HasMarkdown: j.Outputs.Markdown,
		HasJSON:     j.Outputs.JSON,
		HasImages:   j.Outputs.Images,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Error != nil {
		r.ErrorCode = j.Error.Code
		r.ErrorMessage = j.Error.Message
	}
	return r
}

// QueueItem はキュー表示用の1行です。
type QueueItem struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	FileSize     int64  `json:"file_size"`
	Status       Status `json:"status"`
	TotalChunks  int    `json:"total_chunks"`
	CurrentChunk int    `json:"current_chunk"`
	Percent      int    `json:"percent"`
	Message      string `json:"message"`
}

const waitingMessage = "Waiting in queue..."

func queueItemOf(j *Job) QueueItem {
	item := QueueItem{
		ID:           j.ID,
		Filename:     j.Filename,
		FileSize:     j.FileSize,
		Status:       j.Status,
		TotalChunks:  j.Progress.TotalChunks,
		CurrentChunk: j.Progress.CurrentChunk,
		Percent:      j.Progress.Percent,
		Message:      j.Progress.Message,
	}
	if j.Status == StatusQueued {
		item.TotalChunks = 1
		item.CurrentChunk = 0
		item.Percent = 0
		item.Message = waitingMessage
	}
	return item
}

// Submission はジョブ投入の入力です。SourcePath のファイルはジョブ完了後に削除されます。
type Submission struct {
	SourcePath string
	Filename   string
	FileSize   int64
	Options    pdf.Options
}

// Finalization は終了状態への遷移内容です。
type Finalization struct {
	Status      Status
	Outputs     results.Outputs
	Error       *ErrorInfo
	TotalChunks int
	CompletedAt time.Time
}

// Completion は完了通知の内容です。
type Completion struct {
	JobID    string `json:"job_id"`
	Filename string `json:"filename"`
	Success  bool   `json:"success"`
}
