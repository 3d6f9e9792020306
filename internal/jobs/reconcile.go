package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// RecoveryReport は Reconcile の結果です。
type RecoveryReport struct {
	Interrupted int `json:"interrupted"`
	Missing     int `json:"missing"`
	Readmitted  int `json:"readmitted"`
	Stale       int `json:"stale"`
}

// Reconcile は前回のプロセスが残したジョブ記録を整理します。
//
//   - processing のまま残ったジョブは INTERRUPTED で error にし、入力ファイルとキュー行を削除します。
//   - キュー行があり入力ファイルも残っている queued ジョブは、元の投入順で再投入対象として返します。
//   - 入力ファイルが失われた queued ジョブは SOURCE_MISSING で error にします。
//
// 戻り値の int64 は既存キュー行の最大 position です。
func Reconcile(ctx context.Context, store Store, files FileStore, now func() time.Time, logger zerolog.Logger) (RecoveryReport, []*Job, int64, error) {
	var report RecoveryReport
	if now == nil {
		now = time.Now
	}

	fail := func(job *Job, code, message string) error {
		completedAt := now().UTC()
		if err := store.Finalize(ctx, job.ID, Finalization{
			Status:      StatusError,
			Error:       &ErrorInfo{Code: code, Message: message},
			TotalChunks: job.Progress.TotalChunks,
			CompletedAt: completedAt,
		}); err != nil {
			return fmt.Errorf("failed to finalize job %s: %w", job.ID, err)
		}
		if err := store.RemoveQueued(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to remove queue entry %s: %w", job.ID, err)
		}
		if err := files.Remove(job.SourcePath); err != nil {
			logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to remove source file")
		}
		return nil
	}

	processing, err := store.ListByStatus(ctx, StatusProcessing)
	if err != nil {
		return report, nil, 0, fmt.Errorf("failed to list processing jobs: %w", err)
	}
	for _, job := range processing {
		if err := fail(job, CodeInterrupted, "処理中にサーバーが停止したため中断されました。再度投入してください。"); err != nil {
			return report, nil, 0, err
		}
		report.Interrupted++
		logger.Warn().Str("job_id", job.ID).Msg("interrupted job marked as error")
	}

	entries, err := store.ListQueued(ctx)
	if err != nil {
		return report, nil, 0, fmt.Errorf("failed to list queue entries: %w", err)
	}

	var (
		readmit []*Job
		maxPos  int64
		queued  = make(map[string]bool, len(entries))
	)
	for _, e := range entries {
		if e.Position > maxPos {
			maxPos = e.Position
		}
		queued[e.JobID] = true

		job, err := store.Get(ctx, e.JobID)
		if errors.Is(err, ErrRecordNotFound) || (err == nil && job.Status != StatusQueued) {
			if err := store.RemoveQueued(ctx, e.JobID); err != nil {
				return report, nil, 0, fmt.Errorf("failed to remove stale queue entry %s: %w", e.JobID, err)
			}
			report.Stale++
			continue
		}
		if err != nil {
			return report, nil, 0, fmt.Errorf("failed to load queued job %s: %w", e.JobID, err)
		}

		if !files.Exists(job.SourcePath) {
			if err := fail(job, CodeSourceMissing, "入力ファイルが見つからないため処理できません。"); err != nil {
				return report, nil, 0, err
			}
			report.Missing++
			logger.Warn().Str("job_id", job.ID).Str("path", job.SourcePath).Msg("queued job source missing")
			continue
		}

		job.Progress = ProgressInfo{}
		readmit = append(readmit, job)
		report.Readmitted++
	}

	// キュー行を失った queued ジョブは再投入できない
	orphans, err := store.ListByStatus(ctx, StatusQueued)
	if err != nil {
		return report, nil, 0, fmt.Errorf("failed to list queued jobs: %w", err)
	}
	for _, job := range orphans {
		if queued[job.ID] {
			continue
		}
		if err := fail(job, CodeInterrupted, "待ち行列の情報が失われたため処理できません。再度投入してください。"); err != nil {
			return report, nil, 0, err
		}
		report.Interrupted++
	}

	if report != (RecoveryReport{}) {
		logger.Info().
			Int("interrupted", report.Interrupted).
			Int("missing", report.Missing).
			Int("readmitted", report.Readmitted).
			Int("stale", report.Stale).
			Msg("job store reconciled")
	}
	return report, readmit, maxPos, nil
}
