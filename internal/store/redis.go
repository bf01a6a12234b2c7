package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/videoforge/api/internal/model"
)

const (
	indexKey = "jobs:created"

	// Optimistic WATCH transactions retry on contention; contention on a
	// single job key is rare (one worker per job), so a small cap is enough.
	maxTxRetries = 5
)

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

// RedisStore keeps each job as a JSON blob under job:<id> plus a ZSET
// index scored by creation time for newest-first listing.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) Put(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{
		Score:  float64(job.CreatedAt.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) ConditionalUpdate(ctx context.Context, id string, expected []model.JobStatus, mutate func(*model.Job) error) (*model.Job, error) {
	key := jobKey(id)
	var updated *model.Job

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return model.ErrJobNotFound
			}
			return err
		}

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}

		if !statusIn(job.Status, expected) {
			return fmt.Errorf("%w: job %s is %s", model.ErrInvalidTransition, id, job.Status)
		}

		if err := mutate(&job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()

		buf, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, 0)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // key changed under us, re-read and retry
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: transaction contention", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.ZRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*model.Job, error) {
	ids, err := s.redis.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(ids) == 0 {
		return []*model.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}

	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*model.Job, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // record deleted between ZRevRange and MGet
		}
		var job model.Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}
