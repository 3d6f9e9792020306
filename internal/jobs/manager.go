// Package jobs はジョブの投入・直列実行・進捗配信・履歴の永続化を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/results"
)

var (
	ErrJobNotFound   = pdf.NewError(pdf.CodeNotFound, "指定されたジョブは存在しません。", nil)
	ErrJobNotPending = pdf.NewError(pdf.CodeConflict, "処理中のジョブは取り消せません。", nil)
	ErrShuttingDown  = errors.New("manager is shutting down")
)

// Runner は1ジョブ分の変換（チャンク分割・変換・マージ）を実行します。
type Runner interface {
	RunJob(ctx context.Context, path string, opts pdf.Options, reporter pdf.ProgressReporter) (*pdf.MergedResult, error)
}

// ResultWriter はマージ済みの結果を成果物として書き出します。
type ResultWriter interface {
	Write(jobID, filename string, merged *pdf.MergedResult, opts pdf.Options, reporter pdf.ProgressReporter) (results.Outputs, error)
}

// FileStore は入力ファイルの存在確認と削除を行います。
type FileStore interface {
	Exists(path string) bool
	Remove(path string) error
}

// Dependencies は Manager の依存関係です。
type Dependencies struct {
	Store          Store
	Runner         Runner
	Writer         ResultWriter
	Files          FileStore
	Logger         zerolog.Logger
	ObserverBuffer int
	Listeners      []CompletionListener
	Now            func() time.Time
	NewID          func() string
}

// Manager はジョブの待ち行列と唯一の実行中ジョブを管理します。
//
// 待ち行列・実行中ジョブ・購読者への配信はすべて mu の下で行われ、
// ストアへの状態遷移は配信より先に書き込まれます。変換の実行中は mu を保持しません。
type Manager struct {
	mu       sync.Mutex
	pending  []*Job
	current  *Job
	draining bool
	closed   bool
	position int64
	idle     chan struct{}

	store     Store
	runner    Runner
	writer    ResultWriter
	files     FileStore
	events    *Broadcaster
	listeners []CompletionListener
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager は Manager を初期化します。
func NewManager(deps Dependencies) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("store is nil")
	}
	if deps.Runner == nil {
		return nil, errors.New("runner is nil")
	}
	if deps.Writer == nil {
		return nil, errors.New("writer is nil")
	}
	if deps.Files == nil {
		return nil, errors.New("files is nil")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	idle := make(chan struct{})
	close(idle)

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		idle:      idle,
		store:     deps.Store,
		runner:    deps.Runner,
		writer:    deps.Writer,
		files:     deps.Files,
		events:    NewBroadcaster(deps.ObserverBuffer),
		listeners: append([]CompletionListener(nil), deps.Listeners...),
		logger:    deps.Logger,
		now:       deps.Now,
		newID:     deps.NewID,
		baseCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// AddListener は完了通知の受け取り先を追加します。
func (m *Manager) AddListener(l CompletionListener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Submit はジョブを queued として記録し、待ち行列の末尾に追加します。
// 実行中のジョブがなければ処理を開始します。
func (m *Manager) Submit(ctx context.Context, sub Submission) (*Job, error) {
	if sub.SourcePath == "" {
		return nil, pdf.NewError(pdf.CodeInvalidInput, "入力ファイルが指定されていません。", nil)
	}
	if sub.Filename == "" {
		sub.Filename = results.Stem(sub.SourcePath) + ".pdf"
	}

	job := &Job{
		ID:         m.newID(),
		Filename:   sub.Filename,
		FileSize:   sub.FileSize,
		SourcePath: sub.SourcePath,
		Options:    sub.Options,
		Status:     StatusQueued,
		CreatedAt:  m.now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}

	m.position++
	if err := m.store.Create(ctx, job, m.position); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	m.pending = append(m.pending, job)
	m.logger.Info().Str("job_id", job.ID).Str("filename", job.Filename).Int("pending", len(m.pending)).Msg("job queued")

	m.publishQueueLocked()
	m.startDrainLocked()

	snapshot := *job
	return &snapshot, nil
}

// Cancel は未実行のジョブを待ち行列から取り除きます。
// 実行中のジョブは ErrJobNotPending、存在しないジョブは ErrJobNotFound を返します。
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()

	if m.current != nil && m.current.ID == id {
		m.mu.Unlock()
		return ErrJobNotPending
	}
	idx := -1
	for i, j := range m.pending {
		if j.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return ErrJobNotFound
	}

	job := m.pending[idx]
	m.pending = append(m.pending[:idx:idx], m.pending[idx+1:]...)

	completedAt := m.now().UTC()
	job.Status = StatusError
	job.Error = &ErrorInfo{Code: CodeCancelled, Message: "ジョブは取り消されました。"}
	job.CompletedAt = &completedAt
	if err := m.store.Finalize(ctx, id, Finalization{
		Status:      StatusError,
		Error:       job.Error,
		CompletedAt: completedAt,
	}); err != nil {
		m.logger.Warn().Err(err).Str("job_id", id).Msg("failed to record cancellation")
	}
	if err := m.files.Remove(job.SourcePath); err != nil {
		m.logger.Warn().Err(err).Str("job_id", id).Msg("failed to remove source file")
	}
	if err := m.store.RemoveQueued(ctx, id); err != nil {
		m.logger.Warn().Err(err).Str("job_id", id).Msg("failed to remove queue entry")
	}
	m.publishQueueLocked()
	listeners := m.listeners
	m.mu.Unlock()

	m.logger.Info().Str("job_id", id).Msg("job cancelled")
	m.notify(listeners, Completion{JobID: id, Filename: job.Filename, Success: false})
	return nil
}

// Queue は実行中ジョブ（あれば先頭）と待機中ジョブを FIFO 順で返します。
func (m *Manager) Queue() []QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueLocked()
}

func (m *Manager) queueLocked() []QueueItem {
	items := make([]QueueItem, 0, len(m.pending)+1)
	if m.current != nil {
		items = append(items, queueItemOf(m.current))
	}
	for _, j := range m.pending {
		items = append(items, queueItemOf(j))
	}
	return items
}

// Subscribe は進捗の購読を開始します。最初のイベントは現在のキューのスナップショットです。
func (m *Manager) Subscribe() *Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events.Subscribe(Event{Type: EventQueueUpdate, Queue: m.queueLocked()})
}

// Unsubscribe は購読を終了します。
func (m *Manager) Unsubscribe(o *Observer) {
	m.events.Unsubscribe(o)
}

// Get はジョブの現在状態を返します。実行中・待機中のジョブはメモリ上の状態を優先します。
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	if m.current != nil && m.current.ID == id {
		snapshot := *m.current
		m.mu.Unlock()
		return &snapshot, nil
	}
	for _, j := range m.pending {
		if j.ID == id {
			snapshot := *j
			m.mu.Unlock()
			return &snapshot, nil
		}
	}
	m.mu.Unlock()

	job, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// History は新しい順に最大 limit 件のジョブ記録を返します。
func (m *Manager) History(ctx context.Context, limit int) ([]Record, error) {
	jobs, err := m.store.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, RecordOf(j))
	}
	return out, nil
}

// Recover は前回終了時に残ったジョブを整理し、再投入可能なジョブを待ち行列に戻します。
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	report, readmit, maxPos, err := Reconcile(ctx, m.store, m.files, m.now, m.logger)
	if err != nil {
		return report, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if maxPos > m.position {
		m.position = maxPos
	}
	if len(readmit) == 0 {
		return report, nil
	}
	m.pending = append(m.pending, readmit...)
	m.publishQueueLocked()
	m.startDrainLocked()
	return report, nil
}

// WaitIdle は待ち行列が空になり処理が止まるまで待ちます。
func (m *Manager) WaitIdle(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown は新規投入を止め、実行中のジョブの終了を待ちます。
// ctx が先に終わった場合は実行中の変換を中断します。待機中のジョブは queued のまま残り、次回起動時に再投入されます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		<-done
		err = ctx.Err()
	}
	m.cancel()
	m.events.CloseAll()
	return err
}

func (m *Manager) startDrainLocked() {
	if m.draining || m.closed || len(m.pending) == 0 {
		return
	}
	m.draining = true
	m.idle = make(chan struct{})
	m.wg.Add(1)
	go m.drain()
}

func (m *Manager) publishQueueLocked() {
	m.events.Publish(Event{Type: EventQueueUpdate, Queue: m.queueLocked()})
}

func (m *Manager) notify(listeners []CompletionListener, c Completion) {
	ctx := context.WithoutCancel(m.baseCtx)
	for _, l := range listeners {
		if err := l.OnJobComplete(ctx, c); err != nil {
			m.logger.Warn().Err(err).Str("job_id", c.JobID).Msg("completion listener failed")
		}
	}
}
