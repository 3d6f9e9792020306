package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/jobs"
	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/results"
)

// Submitter はジョブを投入します。jobs.Manager が満たします。
type Submitter interface {
	Submit(ctx context.Context, sub jobs.Submission) (*jobs.Job, error)
}

// ArtifactOpener は完了したジョブの成果物を開きます。results.Writer が満たします。
type ArtifactOpener interface {
	Open(jobID string, kind results.Kind) (*pdf.Attachment, error)
}

// Config は Poller の依存関係です。
type Config struct {
	Source      Source
	Tracker     jobs.RemoteTracker
	Submitter   Submitter
	Artifacts   ArtifactOpener
	Uploads     jobs.Uploader
	Settings    jobs.SettingsStore
	MaxFileSize int64
	Logger      zerolog.Logger
}

// Poller は取り込み元を定期的に確認し、新しいファイルをジョブとして投入します。
// ジョブが終わると成果物を取り込み元へ書き戻し、元ファイルを完了フォルダへ移します。
type Poller struct {
	// mu は投入と記録の間に完了通知が割り込まないようにします。
	mu sync.Mutex

	source    Source
	tracker   jobs.RemoteTracker
	submitter Submitter
	artifacts ArtifactOpener
	uploads   jobs.Uploader
	settings  jobs.SettingsStore
	maxSize   int64
	logger    zerolog.Logger
}

// NewPoller は Poller を作成します。
func NewPoller(cfg Config) (*Poller, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("source is nil")
	case cfg.Tracker == nil:
		return nil, errors.New("tracker is nil")
	case cfg.Submitter == nil:
		return nil, errors.New("submitter is nil")
	case cfg.Artifacts == nil:
		return nil, errors.New("artifacts is nil")
	case cfg.Uploads == nil:
		return nil, errors.New("uploads is nil")
	}
	return &Poller{
		source:    cfg.Source,
		tracker:   cfg.Tracker,
		submitter: cfg.Submitter,
		artifacts: cfg.Artifacts,
		uploads:   cfg.Uploads,
		settings:  cfg.Settings,
		maxSize:   cfg.MaxFileSize,
		logger:    cfg.Logger.With().Str("component", "remote").Logger(),
	}, nil
}

// PollOnce は取り込み元を1回確認し、投入したジョブIDを返します。
// 一時的な失敗は次回の確認で再試行されます。
func (p *Poller) PollOnce(ctx context.Context) ([]string, error) {
	items, err := p.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote files: %w", err)
	}

	var queued []string
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		seen, err := p.tracker.RemoteSeen(ctx, item.ID)
		if err != nil {
			return queued, fmt.Errorf("failed to check remote file %s: %w", item.ID, err)
		}
		if seen {
			continue
		}

		jobID, err := p.ingest(ctx, item)
		if err != nil {
			p.logger.Warn().Err(err).Str("remote_id", item.ID).Str("name", item.Name).Msg("failed to ingest remote file")
			continue
		}
		queued = append(queued, jobID)
	}

	if len(queued) > 0 {
		p.logger.Info().Int("count", len(queued)).Msg("remote files queued")
	}
	return queued, nil
}

func (p *Poller) ingest(ctx context.Context, item Item) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(p.source.Download(ctx, item, pw))
	}()

	stored, err := p.uploads.SaveUpload(ctx, "remote_"+uuid.NewString(), item.Name, pr, p.maxSize)
	_ = pr.Close()
	if err != nil {
		var perr *pdf.Error
		if errors.As(err, &perr) && (perr.Code == pdf.CodeInvalidInput || perr.Code == pdf.CodeLimitExceeded) {
			// 再試行しても受け付けられないファイルは完了フォルダへ退避する
			p.reject(ctx, item, perr)
		}
		return "", err
	}

	opts := pdf.DefaultOptions()
	if p.settings != nil {
		if saved, err := p.settings.LoadSettings(ctx); err == nil {
			opts = saved
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	job, err := p.submitter.Submit(ctx, jobs.Submission{
		SourcePath: stored.Path,
		Filename:   stored.OriginalName,
		FileSize:   stored.Size,
		Options:    opts,
	})
	if err != nil {
		_ = p.uploads.Remove(stored.Path)
		return "", fmt.Errorf("failed to submit job: %w", err)
	}
	if err := p.tracker.TrackRemote(ctx, jobs.RemoteFile{
		RemoteID: item.ID,
		Name:     item.Name,
		JobID:    job.ID,
		Status:   jobs.RemoteQueued,
	}); err != nil {
		return job.ID, fmt.Errorf("failed to track remote file: %w", err)
	}
	p.logger.Info().Str("remote_id", item.ID).Str("job_id", job.ID).Msg("remote file queued")
	return job.ID, nil
}

func (p *Poller) reject(ctx context.Context, item Item, cause *pdf.Error) {
	if err := p.source.MoveToDone(ctx, item); err != nil {
		p.logger.Warn().Err(err).Str("remote_id", item.ID).Msg("failed to move rejected file")
	}
	if err := p.tracker.TrackRemote(ctx, jobs.RemoteFile{
		RemoteID: item.ID,
		Name:     item.Name,
		Status:   jobs.RemoteFailed,
	}); err != nil {
		p.logger.Warn().Err(err).Str("remote_id", item.ID).Msg("failed to track rejected file")
	}
	p.logger.Warn().Str("remote_id", item.ID).Str("code", cause.Code).Msg("remote file rejected")
}

// Run は interval ごと、または wake に通知が来るたびに PollOnce を呼びます。ctx が終わるまで戻りません。
func (p *Poller) Run(ctx context.Context, interval time.Duration, wake <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll := func() {
		if _, err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error().Err(err).Msg("remote poll failed")
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			poll()
		}
	}
}

// OnJobComplete は取り込み元から作られたジョブの終了を処理します。
// 成功時は成果物を "<stem>_output" フォルダへアップロードし、成否にかかわらず元ファイルを完了フォルダへ移します。
// 取り込み元と無関係なジョブは無視します。
func (p *Poller) OnJobComplete(ctx context.Context, c jobs.Completion) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rf, err := p.tracker.RemoteByJob(ctx, c.JobID)
	if errors.Is(err, jobs.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up remote file: %w", err)
	}
	if rf.Status != jobs.RemoteQueued {
		return nil
	}

	status := jobs.RemoteFailed
	if c.Success {
		if err := p.uploadResults(ctx, c); err != nil {
			return err
		}
		status = jobs.RemoteDone
	}

	if err := p.source.MoveToDone(ctx, Item{ID: rf.RemoteID, Name: rf.Name}); err != nil {
		return fmt.Errorf("failed to move remote file: %w", err)
	}

	rf.Status = status
	rf.UpdatedAt = time.Time{}
	if err := p.tracker.TrackRemote(ctx, *rf); err != nil {
		return fmt.Errorf("failed to update remote file: %w", err)
	}
	p.logger.Info().Str("job_id", c.JobID).Str("remote_id", rf.RemoteID).Str("status", status).Msg("remote file finished")
	return nil
}

func (p *Poller) uploadResults(ctx context.Context, c jobs.Completion) error {
	folder := results.Stem(c.Filename) + "_output"
	uploaded := 0
	for _, kind := range []results.Kind{results.KindMarkdown, results.KindJSON, results.KindImages} {
		att, err := p.artifacts.Open(c.JobID, kind)
		if errors.Is(err, pdf.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to open %s output: %w", kind, err)
		}
		err = p.source.Upload(ctx, folder, att.Filename, att.Body)
		att.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", att.Filename, err)
		}
		uploaded++
	}
	p.logger.Info().Str("job_id", c.JobID).Str("folder", folder).Int("files", uploaded).Msg("results uploaded")
	return nil
}

// ProcessTask は完了通知タスク（jobs.TaskTypeCompleted）を処理する asynq.Handler です。
func (p *Poller) ProcessTask(ctx context.Context, task *asynq.Task) error {
	c, err := jobs.ParseCompletionTask(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return p.OnJobComplete(ctx, c)
}
