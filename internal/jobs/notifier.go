package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskTypeCompleted は完了通知タスクの種別です。
const TaskTypeCompleted = "conversion:completed"

// CompletionListener はジョブが終了状態になったときに呼ばれます。
// Manager は listener の実装に依存しません。
type CompletionListener interface {
	OnJobComplete(ctx context.Context, c Completion) error
}

// ListenerFunc は関数を CompletionListener として使うためのアダプターです。
type ListenerFunc func(ctx context.Context, c Completion) error

// OnJobComplete は f を呼び出します。
func (f ListenerFunc) OnJobComplete(ctx context.Context, c Completion) error {
	return f(ctx, c)
}

// TaskEnqueuer は Asynq クライアントのうち投入に必要な部分です。
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqNotifier は完了通知を Asynq タスクとして投入します。
// 通知の処理（成果物のアップロード等）は別のワーカーで行われます。
type AsynqNotifier struct {
	client TaskEnqueuer
	queue  string
}

// NewAsynqNotifier は AsynqNotifier を作成します。
func NewAsynqNotifier(client TaskEnqueuer, queue string) *AsynqNotifier {
	if queue == "" {
		queue = "default"
	}
	return &AsynqNotifier{client: client, queue: queue}
}

// OnJobComplete は完了通知タスクを投入します。
func (n *AsynqNotifier) OnJobComplete(ctx context.Context, c Completion) error {
	if n.client == nil {
		return errors.New("asynq client is nil")
	}
	task, err := NewCompletionTask(c)
	if err != nil {
		return err
	}
	if _, err := n.client.EnqueueContext(ctx, task, asynq.Queue(n.queue), asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("failed to enqueue completion task: %w", err)
	}
	return nil
}

// NewCompletionTask は完了通知タスクを作成します。
func NewCompletionTask(c Completion) (*asynq.Task, error) {
	if c.JobID == "" {
		return nil, fmt.Errorf("payload.JobID is required")
	}
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeCompleted, body), nil
}

// ParseCompletionTask は完了通知タスクのペイロードを読み取ります。
func ParseCompletionTask(task *asynq.Task) (Completion, error) {
	var c Completion
	if task == nil {
		return c, fmt.Errorf("task is nil")
	}
	if err := json.Unmarshal(task.Payload(), &c); err != nil {
		return c, err
	}
	if c.JobID == "" {
		return c, fmt.Errorf("missing job_id in payload")
	}
	return c, nil
}
