package pdf

// Progress はジョブ処理中の進捗です。
// CurrentChunk / TotalChunks が 0 の場合は「変更なし」を表します。
type Progress struct {
	CurrentChunk int
	TotalChunks  int
	Percent      int
	Message      string
}

// ProgressReporter は進捗更新用コールバックです。
type ProgressReporter func(p Progress)

func reportProgress(cb ProgressReporter, p Progress) {
	if cb == nil {
		return
	}
	if p.Percent < 0 {
		p.Percent = 0
	}
	if p.Percent > 100 {
		p.Percent = 100
	}
	cb(p)
}

// Report は percent を 0〜100 に丸めてから cb を呼び出します。cb が nil の場合は何もしません。
func Report(cb ProgressReporter, percent int, message string) {
	reportProgress(cb, Progress{Percent: percent, Message: message})
}

// chunkPercent はチャンク i（0-based）の開始時点の進捗率を返します。
// 10〜90% の区間をチャンク数で等分します。
func chunkPercent(i, total int) int {
	if total <= 0 {
		return 90
	}
	return 10 + 80*i/total
}
