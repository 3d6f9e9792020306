package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/doc-forge/internal/pdf"
)

const (
	jobKeyPrefix      = "job:"
	recentKey         = "jobs:recent"
	queueKey          = "jobs:queue"
	settingsKey       = "settings"
	remoteKeyPrefix   = "remote:"
	remoteByJobPrefix = "remote:job:"
)

// RedisStore はジョブ状態を Redis に保存します。
//
// ジョブ記録は JSON として job:<id> に置き、作成日時のソート済みセット jobs:recent で履歴を引きます。
// ttl が 0 の場合、記録は期限切れになりません。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// Close は Redis クライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Create はジョブ記録とキュー行を保存します。
func (s *RedisStore) Create(ctx context.Context, job *Job, position int64) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), payload, s.ttl)
		pipe.ZAdd(ctx, recentKey, redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
		pipe.ZAdd(ctx, queueKey, redis.Z{Score: float64(position), Member: job.ID})
		return nil
	})
	return err
}

// MarkProcessing は processing への遷移を保存します。
func (s *RedisStore) MarkProcessing(ctx context.Context, id string, startedAt time.Time) error {
	return s.updatePartial(ctx, id, func(job *Job) error {
		if !canTransition(job.Status, StatusProcessing) {
			return fmt.Errorf("job %s cannot start from status %s", id, job.Status)
		}
		t := startedAt.UTC()
		job.Status = StatusProcessing
		job.StartedAt = &t
		job.Progress = ProgressInfo{}
		return nil
	})
}

// UpdateProgress は進捗を更新します。
func (s *RedisStore) UpdateProgress(ctx context.Context, id string, progress ProgressInfo) error {
	return s.updatePartial(ctx, id, func(job *Job) error {
		if job.Status != StatusProcessing {
			return fmt.Errorf("job %s is not processing", id)
		}
		job.Progress = progress
		return nil
	})
}

// Finalize はジョブ終了時の情報を保存します。
func (s *RedisStore) Finalize(ctx context.Context, id string, fin Finalization) error {
	return s.updatePartial(ctx, id, func(job *Job) error {
		t := fin.CompletedAt.UTC()
		job.Status = fin.Status
		job.Outputs = fin.Outputs
		job.Error = fin.Error
		job.CompletedAt = &t
		if fin.TotalChunks > 0 {
			job.Progress.TotalChunks = fin.TotalChunks
		}
		if fin.Status == StatusComplete {
			job.Progress.Percent = 100
		}
		return nil
	})
}

func (s *RedisStore) updatePartial(ctx context.Context, id string, mutate func(*Job) error) error {
	key := jobKey(id)
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
				}
				return err
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			if err := mutate(&job); err != nil {
				return err
			}
			payload, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListRecent は新しい順にジョブ記録を返します。期限切れの記録は索引から取り除きます。
func (s *RedisStore) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.ZRevRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

// ListByStatus は status のジョブ記録を作成順に返します。
func (s *RedisStore) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	ids, err := s.rdb.ZRange(ctx, recentKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	all, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(all))
	for _, job := range all {
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]*Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*Job, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, err
		}
		out = append(out, &job)
	}
	if len(expired) > 0 {
		_ = s.rdb.ZRem(ctx, recentKey, expired...).Err()
	}
	return out, nil
}

// ListQueued はキュー行を position 順に返します。
func (s *RedisStore) ListQueued(ctx context.Context) ([]QueueEntry, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, queueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]QueueEntry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, QueueEntry{JobID: id, Position: int64(z.Score)})
	}
	return out, nil
}

// RemoveQueued はキュー行を削除します。
func (s *RedisStore) RemoveQueued(ctx context.Context, id string) error {
	return s.rdb.ZRem(ctx, queueKey, id).Err()
}

// LoadSettings は保存済みの既定オプションを返します。
func (s *RedisStore) LoadSettings(ctx context.Context) (pdf.Options, error) {
	opts := pdf.DefaultOptions()
	values, err := s.rdb.HGetAll(ctx, settingsKey).Result()
	if err != nil {
		return opts, err
	}
	fields := optionFields(&opts)
	for key, value := range values {
		if ptr, ok := fields[key]; ok {
			if v, err := strconv.ParseBool(value); err == nil {
				*ptr = v
			}
		}
	}
	return opts, nil
}

// SaveSettings は既定オプションを保存します。
func (s *RedisStore) SaveSettings(ctx context.Context, opts pdf.Options) error {
	fields := optionFields(&opts)
	values := make(map[string]any, len(settingKeys))
	for _, key := range settingKeys {
		values[key] = strconv.FormatBool(*fields[key])
	}
	return s.rdb.HSet(ctx, settingsKey, values).Err()
}

// TrackRemote は取り込み元ファイルの状態を保存します。
func (s *RedisStore) TrackRemote(ctx context.Context, f RemoteFile) error {
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, remoteKeyPrefix+f.RemoteID, payload, 0)
		if f.JobID != "" {
			pipe.Set(ctx, remoteByJobPrefix+f.JobID, f.RemoteID, 0)
		}
		return nil
	})
	return err
}

// RemoteSeen は remoteID が記録済みかを返します。
func (s *RedisStore) RemoteSeen(ctx context.Context, remoteID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, remoteKeyPrefix+remoteID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoteByJob は jobID に対応する取り込み元を返します。
func (s *RedisStore) RemoteByJob(ctx context.Context, jobID string) (*RemoteFile, error) {
	remoteID, err := s.rdb.Get(ctx, remoteByJobPrefix+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, jobID)
		}
		return nil, err
	}
	data, err := s.rdb.Get(ctx, remoteKeyPrefix+remoteID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, jobID)
		}
		return nil, err
	}
	var f RemoteFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
