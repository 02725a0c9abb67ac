package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	redisJobsIndex     = "render:jobs"
	redisUpdateRetries = 64
	redisListBatch     = 200
)

func jobKey(id string) string            { return fmt.Sprintf("render:job:%s", id) }
func caseIndexKey(caseID string) string  { return fmt.Sprintf("render:jobs:case:%s", caseID) }
func statusKey(s model.JobStatus) string { return fmt.Sprintf("render:jobs:status:%s", s) }

// RedisStore keeps each job as a JSON document plus sorted-set indexes by
// creation time (global and per case) and one set per status.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

// Create writes the record and its index entries in one MULTI, so a job is
// never stored without being listable.
func (s *RedisStore) Create(ctx context.Context, job *model.RenderJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	key := jobKey(job.ID)
	score := float64(job.CreatedAt.UnixNano())
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to check job: %w", err)
		}
		if n > 0 {
			return ErrExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, redisJobsIndex, redis.Z{Score: score, Member: job.ID})
			pipe.ZAdd(ctx, caseIndexKey(job.CaseID), redis.Z{Score: score, Member: job.ID})
			pipe.SAdd(ctx, statusKey(job.Status), job.ID)
			return nil
		})
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrExists):
			return err
		default:
			return fmt.Errorf("failed to save job: %w", err)
		}
	}
	return ErrExists
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.RenderJob, error) {
	return getJob(ctx, s.redis, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJob(ctx context.Context, c getter, id string) (*model.RenderJob, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job model.RenderJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Update uses WATCH/MULTI so concurrent writers retry instead of losing writes.
func (s *RedisStore) Update(ctx context.Context, id string, fn func(*model.RenderJob) error) (*model.RenderJob, error) {
	key := jobKey(id)
	var updated *model.RenderJob

	txf := func(tx *redis.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		prev := job.Status
		if err := fn(job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if prev != job.Status {
				pipe.SRem(ctx, statusKey(prev), id)
				pipe.SAdd(ctx, statusKey(job.Status), id)
			}
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("failed to update job %s: too much contention", id)
}

func (s *RedisStore) List(ctx context.Context, f model.RenderListFilter) ([]*model.RenderJob, int, error) {
	index := redisJobsIndex
	if f.CaseID != "" {
		index = caseIndexKey(f.CaseID)
	}
	ids, err := s.redis.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read job index: %w", err)
	}

	var out []*model.RenderJob
	for start := 0; start < len(ids); start += redisListBatch {
		end := start + redisListBatch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, jobKey(id))
		}

		vals, err := s.redis.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load jobs: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var job model.RenderJob
			if err := json.Unmarshal([]byte(str), &job); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if matches(&job, f) {
				out = append(out, &job)
			}
		}
	}

	jobs, total := page(out, f)
	return jobs, total, nil
}

func (s *RedisStore) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	cmds := make(map[model.JobStatus]*redis.IntCmd, len(model.AllJobStatuses))
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, st := range model.AllJobStatuses {
			cmds[st] = pipe.SCard(ctx, statusKey(st))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := emptyCounts()
	for st, cmd := range cmds {
		counts[st] = int(cmd.Val())
	}
	return counts, nil
}

// Close is a no-op; the redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
