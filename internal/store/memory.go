package store

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/legalsim/render-orchestrator/internal/model"
)

const memoryShards = 16

type shard struct {
	mu   sync.RWMutex
	jobs map[string]*model.RenderJob
}

// MemoryStore is a sharded in-process store. Updates on different jobs
// rarely contend; updates on one job are serialized by its shard lock.
type MemoryStore struct {
	shards [memoryShards]*shard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{jobs: make(map[string]*model.RenderJob)}
	}
	return s
}

func (s *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) Create(_ context.Context, job *model.RenderJob) error {
	sh := s.shardFor(job.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.jobs[job.ID]; ok {
		return ErrExists
	}
	sh.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.RenderJob, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	job, ok := sh.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*model.RenderJob) error) (*model.RenderJob, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	sh.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f model.RenderListFilter) ([]*model.RenderJob, int, error) {
	var out []*model.RenderJob
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, job := range sh.jobs {
			if matches(job, f) {
				out = append(out, job.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	jobs, total := page(out, f)
	return jobs, total, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[model.JobStatus]int, error) {
	counts := emptyCounts()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, job := range sh.jobs {
			counts[job.Status]++
		}
		sh.mu.RUnlock()
	}
	return counts, nil
}

func (s *MemoryStore) Close() error { return nil }
