package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/yourusername/doc-forge/internal/pdf"
)

// ErrRecordNotFound はジョブ記録が存在しない場合に返されます。
var ErrRecordNotFound = errors.New("job record not found")

// QueueEntry は永続化された待ち行列の1行です。
type QueueEntry struct {
	JobID    string
	Position int64
}

// Store はジョブ記録の永続化先です。
//
// ジョブ記録とキュー行は別々に管理されます。キュー行は完了・取消時に削除されますが、
// ジョブ記録は履歴として残ります。
type Store interface {
	// Create は queued 状態のジョブ記録とキュー行を作成します。
	Create(ctx context.Context, job *Job, position int64) error
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) error
	UpdateProgress(ctx context.Context, id string, progress ProgressInfo) error
	// Finalize は complete / error を記録します。同じIDに対して2回呼ばれた場合は後勝ちです。
	Finalize(ctx context.Context, id string, fin Finalization) error
	Get(ctx context.Context, id string) (*Job, error)
	// ListRecent は作成日時の新しい順に最大 limit 件を返します。
	ListRecent(ctx context.Context, limit int) ([]*Job, error)
	ListByStatus(ctx context.Context, status Status) ([]*Job, error)
	// ListQueued はキュー行を position の昇順で返します。
	ListQueued(ctx context.Context) ([]QueueEntry, error)
	RemoveQueued(ctx context.Context, id string) error
	Close() error
}

// SettingsStore は投入時の既定オプションを保存します。
type SettingsStore interface {
	LoadSettings(ctx context.Context) (pdf.Options, error)
	SaveSettings(ctx context.Context, opts pdf.Options) error
}

// 取り込み元ファイルの状態
const (
	RemoteQueued = "queued"
	RemoteDone   = "done"
	RemoteFailed = "failed"
)

// RemoteFile はリモート取り込み元のファイルと、それから作られたジョブの対応です。
type RemoteFile struct {
	RemoteID  string    `json:"remote_id"`
	Name      string    `json:"name"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RemoteTracker は取り込み済みファイルを記録し、同じファイルを二重に投入しないようにします。
type RemoteTracker interface {
	TrackRemote(ctx context.Context, f RemoteFile) error
	RemoteSeen(ctx context.Context, remoteID string) (bool, error)
	// RemoteByJob は jobID に対応する取り込み元を返します。存在しない場合は ErrRecordNotFound です。
	RemoteByJob(ctx context.Context, jobID string) (*RemoteFile, error)
}
