package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix     = "stream:job:"
	maxWatchAttempts = 16
)

// RedisStore はジョブ状態を Redis に保存します。複数プロセスから共有できます。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。ttl はジョブの保持期間で、更新のたびに延長されます。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}, nil
}

// Create はジョブを保存します。同じ ID が存在する場合は ErrDuplicateJob を返します。
func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(job.ID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrDuplicateJob
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrJobNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Update は WATCH/MULTI でジョブを読み替えて保存します。競合した場合は mutate を再実行します。
func (s *RedisStore) Update(ctx context.Context, id string, mutate Mutator) (*Job, error) {
	key := jobKey(id)
	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		var updated *Job
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrJobNotFound
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
			job.UpdatedAt = time.Now().UTC()
			payload, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			if err == nil {
				updated = &job
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("job %s: too many concurrent updates", id)
}

// Delete はジョブを削除します。
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, jobKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Sweep は何もしません。期限切れは Redis の TTL に任せます。
func (s *RedisStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
