package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/yourusername/doc-forge/internal/jobs"
)

// 1イベントにキュー全体が載るため既定の 64KB では足りないことがある
const maxEventLine = 4 << 20

func newWatchCmd() *cobra.Command {
	var (
		server string
		jobID  string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "実行中サーバーの進捗をターミナルに表示する",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := &watcher{
				server: strings.TrimRight(server, "/"),
				target: jobID,
				client: http.DefaultClient,
				bars:   make(map[string]*progressbar.ProgressBar),
			}
			return w.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "APIサーバーのURL")
	cmd.Flags().StringVar(&jobID, "job", "", "このジョブが終わったら終了する")
	return cmd
}

type watcher struct {
	server string
	target string
	client *http.Client
	bars   map[string]*progressbar.ProgressBar

	// target がキューに載っているのを見たか、最初のスナップショットを確認済みか
	targetQueued  bool
	targetChecked bool
}

func (w *watcher) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.server+"/api/queue/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := w.client.Do(req)
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "✗ サーバーに接続できません: %v\n", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from stream", resp.StatusCode)
	}
	color.New(color.FgCyan).Fprintf(os.Stderr, "ℹ %s の進捗を表示しています (Ctrl+C で終了)\n", w.server)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev jobs.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			continue
		}
		if done := w.handle(ctx, ev); done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return nil
}

// handle は1件のイベントを表示に反映します。対象ジョブが終わったら true を返します。
func (w *watcher) handle(ctx context.Context, ev jobs.Event) bool {
	switch ev.Type {
	case jobs.EventQueueUpdate:
		if w.targetGone(ctx, ev.Queue) {
			return true
		}
		for _, item := range ev.Queue {
			if item.Status != jobs.StatusProcessing {
				continue
			}
			bar, ok := w.bars[item.ID]
			if !ok {
				bar = progressbar.NewOptions64(100,
					progressbar.OptionSetWidth(40),
					progressbar.OptionSetDescription(item.Filename),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetRenderBlankState(true),
				)
				w.bars[item.ID] = bar
			}
			bar.Describe(fmt.Sprintf("%s %s", item.Filename, item.Message))
			_ = bar.Set64(int64(item.Percent))
		}
	case jobs.EventJobComplete:
		if bar, ok := w.bars[ev.JobID]; ok {
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
			delete(w.bars, ev.JobID)
		}
		w.report(ctx, ev.JobID)
		return w.target != "" && ev.JobID == w.target
	}
	return false
}

// targetGone は target がキューから消えて終了状態になっていれば結果を表示して true を返します。
// 取り消されたジョブや watch 開始前に終わったジョブは job_complete が届かないためです。
func (w *watcher) targetGone(ctx context.Context, queue []jobs.QueueItem) bool {
	if w.target == "" {
		return false
	}
	for _, item := range queue {
		if item.ID == w.target {
			w.targetQueued = true
			w.targetChecked = true
			return false
		}
	}
	if w.targetChecked && !w.targetQueued {
		return false
	}
	w.targetChecked = true
	w.targetQueued = false

	job, err := w.fetch(ctx, w.target)
	if err != nil || !job.Status.Terminal() {
		return false
	}
	w.printJob(job)
	return true
}

func (w *watcher) report(ctx context.Context, jobID string) {
	job, err := w.fetch(ctx, jobID)
	if err != nil {
		color.New(color.FgYellow).Printf("⚠ %s の状態を取得できません: %v\n", jobID, err)
		return
	}
	w.printJob(job)
}

func (w *watcher) printJob(job *jobs.Job) {
	switch job.Status {
	case jobs.StatusComplete:
		var kinds []string
		if job.Outputs.Markdown {
			kinds = append(kinds, "markdown")
		}
		if job.Outputs.JSON {
			kinds = append(kinds, "json")
		}
		if job.Outputs.Images {
			kinds = append(kinds, "images")
		}
		color.New(color.FgGreen).Printf("✓ %s 完了 (%s)\n", job.Filename, strings.Join(kinds, ", "))
	case jobs.StatusError:
		msg := ""
		if job.Error != nil {
			msg = fmt.Sprintf("%s: %s", job.Error.Code, job.Error.Message)
		}
		color.New(color.FgRed).Printf("✗ %s 失敗 %s\n", job.Filename, msg)
	default:
		color.New(color.FgCyan).Printf("ℹ %s は %s です\n", job.Filename, job.Status)
	}
}

func (w *watcher) fetch(ctx context.Context, jobID string) (*jobs.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.server+"/api/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var job jobs.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}
