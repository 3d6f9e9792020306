package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/doc-forge/internal/pdf"
	"github.com/yourusername/doc-forge/internal/results"
)

// drain は待ち行列が空になるまでジョブを1件ずつ処理します。
func (m *Manager) drain() {
	defer m.wg.Done()
	for {
		job, err := m.next()
		if job == nil {
			return
		}
		m.process(job, err)
	}
}

// next は先頭のジョブを取り出して processing にします。
// 待ち行列が空（または停止中）の場合は draining を解除して nil を返します。
func (m *Manager) next() (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 || m.closed {
		m.draining = false
		close(m.idle)
		return nil, nil
	}

	job := m.pending[0]
	m.pending[0] = nil
	m.pending = m.pending[1:]

	startedAt := m.now().UTC()
	err := m.store.MarkProcessing(m.baseCtx, job.ID, startedAt)
	job.Status = StatusProcessing
	job.StartedAt = &startedAt
	job.Progress = ProgressInfo{Message: "Starting..."}
	m.current = job

	m.logger.Info().Str("job_id", job.ID).Str("filename", job.Filename).Msg("job started")
	m.publishQueueLocked()
	return job, err
}

func (m *Manager) process(job *Job, startErr error) {
	if startErr != nil {
		m.finish(job, results.Outputs{}, fmt.Errorf("failed to mark job processing: %w", startErr))
		return
	}

	reporter := func(p pdf.Progress) {
		m.updateProgress(job.ID, p)
	}

	merged, err := m.runner.RunJob(m.baseCtx, job.SourcePath, job.Options, reporter)
	var outputs results.Outputs
	if err == nil {
		outputs, err = m.writer.Write(job.ID, job.Filename, merged, job.Options, reporter)
	}
	if err == nil {
		pdf.Report(reporter, 100, "Complete!")
	}
	m.finish(job, outputs, err)
}

// updateProgress は実行中ジョブの進捗を更新して配信し、ストアにも保存します。
func (m *Manager) updateProgress(id string, p pdf.Progress) {
	m.mu.Lock()
	if m.current == nil || m.current.ID != id {
		m.mu.Unlock()
		return
	}
	progress := m.current.Progress
	if p.CurrentChunk > 0 {
		progress.CurrentChunk = p.CurrentChunk
	}
	if p.TotalChunks > 0 {
		progress.TotalChunks = p.TotalChunks
	}
	progress.Percent = p.Percent
	progress.Message = p.Message
	m.current.Progress = progress
	m.publishQueueLocked()
	m.mu.Unlock()

	if err := m.store.UpdateProgress(context.WithoutCancel(m.baseCtx), id, progress); err != nil {
		m.logger.Warn().Err(err).Str("job_id", id).Msg("failed to persist progress")
	}
}

// finish はジョブを終了状態にし、入力ファイルとキュー行を削除してから完了を配信・通知します。
func (m *Manager) finish(job *Job, outputs results.Outputs, runErr error) {
	ctx := context.WithoutCancel(m.baseCtx)

	m.mu.Lock()
	completedAt := m.now().UTC()
	fin := Finalization{
		TotalChunks: job.Progress.TotalChunks,
		CompletedAt: completedAt,
	}
	if runErr == nil {
		fin.Status = StatusComplete
		fin.Outputs = outputs
		job.Progress.Percent = 100
	} else {
		fin.Status = StatusError
		fin.Error = errorInfoOf(runErr)
	}
	job.Status = fin.Status
	job.Outputs = fin.Outputs
	job.Error = fin.Error
	job.CompletedAt = &completedAt

	if err := m.store.Finalize(ctx, job.ID, fin); err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist job result")
	}
	m.current = nil

	// job_complete を受け取った購読者からは入力ファイルとキュー行が見えてはいけない
	if err := m.files.Remove(job.SourcePath); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to remove source file")
	}
	if err := m.store.RemoveQueued(ctx, job.ID); err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to remove queue entry")
	}

	m.events.Publish(Event{Type: EventJobComplete, JobID: job.ID})
	m.publishQueueLocked()
	listeners := m.listeners
	m.mu.Unlock()

	evt := m.logger.Info()
	if runErr != nil {
		evt = m.logger.Warn().Err(runErr)
	}
	evt.Str("job_id", job.ID).Str("status", string(job.Status)).Msg("job finished")

	m.notify(listeners, Completion{JobID: job.ID, Filename: job.Filename, Success: runErr == nil})
}

func errorInfoOf(err error) *ErrorInfo {
	var apiErr *pdf.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if apiErr.Err != nil {
			msg = fmt.Sprintf("%s (%v)", msg, apiErr.Err)
		}
		return &ErrorInfo{Code: apiErr.Code, Message: msg}
	}
	return &ErrorInfo{Code: CodeInternal, Message: err.Error()}
}
