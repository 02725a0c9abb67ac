// Package store persists render jobs. Jobs are never deleted; every state
// change goes through Update so backends can make it atomic.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/legalsim/render-orchestrator/internal/config"
	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

// Store is the job registry shared by the API and the workers.
type Store interface {
	Create(ctx context.Context, job *model.RenderJob) error
	Get(ctx context.Context, id string) (*model.RenderJob, error)
	// Update loads the job, applies fn and writes the result atomically. If
	// fn returns an error nothing is written and that error is returned.
	Update(ctx context.Context, id string, fn func(*model.RenderJob) error) (*model.RenderJob, error)
	// List returns matching jobs newest first and the total before paging.
	// A zero Limit returns everything after Offset.
	List(ctx context.Context, filter model.RenderListFilter) ([]*model.RenderJob, int, error)
	CountByStatus(ctx context.Context) (map[model.JobStatus]int, error)
	Close() error
}

// New opens the backend selected by cfg.Store.Backend. redisClient is only
// used by the redis backend.
func New(cfg *config.Config, redisClient *redis.Client) (Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisStore(redisClient), nil
	case "sqlite":
		return OpenSQLite(cfg.Store.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func matches(job *model.RenderJob, f model.RenderListFilter) bool {
	if f.CaseID != "" && job.CaseID != f.CaseID {
		return false
	}
	if f.StoryboardID != "" && job.StoryboardID != f.StoryboardID {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	return true
}

// page sorts jobs newest first and applies offset/limit.
func page(jobs []*model.RenderJob, f model.RenderListFilter) ([]*model.RenderJob, int) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
	total := len(jobs)
	if f.Offset >= total {
		return []*model.RenderJob{}, total
	}
	jobs = jobs[f.Offset:]
	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs, total
}

func emptyCounts() map[model.JobStatus]int {
	counts := make(map[model.JobStatus]int, len(model.AllJobStatuses))
	for _, s := range model.AllJobStatuses {
		counts[s] = 0
	}
	return counts
}
