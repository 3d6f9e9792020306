package pdf

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Service はチャンク分割・変換・マージをまとめて実行します。
type Service struct {
	planner Planner
	invoker *Invoker
	logger  zerolog.Logger
}

// NewService は Service を初期化します。
func NewService(planner Planner, invoker *Invoker, logger zerolog.Logger) *Service {
	return &Service{
		planner: planner,
		invoker: invoker,
		logger:  logger,
	}
}

// RunJob は入力ファイルをチャンク単位で変換し、マージ済みの結果を返します。
//
// いずれかのチャンクが失敗した時点で残りのチャンクは実行せず、
// それまでの部分結果も破棄してエラーを返します。
func (s *Service) RunJob(ctx context.Context, path string, opts Options, reporter ProgressReporter) (*MergedResult, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if s.invoker == nil {
		return nil, fmt.Errorf("invoker is nil")
	}

	chunks, pages, err := s.planner.Plan(ctx, path)
	if err != nil {
		return nil, err
	}
	total := len(chunks)
	s.logger.Debug().Str("path", path).Int("pages", pages).Int("chunks", total).Msg("chunk plan ready")

	suffix := "s"
	if total == 1 {
		suffix = ""
	}
	reportProgress(reporter, Progress{
		TotalChunks: total,
		Percent:     5,
		Message:     fmt.Sprintf("Starting conversion (%d chunk%s)...", total, suffix),
	})

	parts := make([]*PartialResult, 0, total)
	for i, rng := range chunks {
		reportProgress(reporter, Progress{
			CurrentChunk: i + 1,
			TotalChunks:  total,
			Percent:      chunkPercent(i, total),
			Message:      fmt.Sprintf("Processing pages %s...", rng),
		})

		part, err := s.invoker.Invoke(ctx, path, rng, opts)
		if err != nil {
			s.logger.Warn().Err(err).Str("range", rng.String()).Msg("chunk conversion failed")
			return nil, err
		}
		parts = append(parts, part)

		reportProgress(reporter, Progress{
			CurrentChunk: i + 1,
			TotalChunks:  total,
			Percent:      chunkPercent(i+1, total),
			Message:      fmt.Sprintf("Chunk %d/%d complete", i+1, total),
		})
	}

	reportProgress(reporter, Progress{Percent: 90, Message: "Merging chunks..."})
	return MergeResults(parts), nil
}
