package determinism

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// GoldenRegistry stores the accepted checksum per render fingerprint.
type GoldenRegistry interface {
	Get(ctx context.Context, fingerprint string) (string, bool, error)
	// Record stores checksum unless a baseline exists, and returns the
	// baseline now in effect.
	Record(ctx context.Context, fingerprint, checksum string) (string, error)
}

// MemoryGoldenRegistry keeps baselines for the life of the process.
type MemoryGoldenRegistry struct {
	mu        sync.Mutex
	baselines map[string]string
}

func NewMemoryGoldenRegistry() *MemoryGoldenRegistry {
	return &MemoryGoldenRegistry{baselines: make(map[string]string)}
}

func (r *MemoryGoldenRegistry) Get(_ context.Context, fingerprint string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.baselines[fingerprint]
	return v, ok, nil
}

func (r *MemoryGoldenRegistry) Record(_ context.Context, fingerprint, checksum string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.baselines[fingerprint]; ok {
		return v, nil
	}
	r.baselines[fingerprint] = checksum
	return checksum, nil
}

// RedisGoldenRegistry shares baselines across orchestrator instances.
// Baselines never expire; they are audit material.
type RedisGoldenRegistry struct {
	redis *redis.Client
}

func NewRedisGoldenRegistry(redisClient *redis.Client) *RedisGoldenRegistry {
	return &RedisGoldenRegistry{redis: redisClient}
}

func goldenKey(fingerprint string) string {
	return fmt.Sprintf("render:golden:%s", fingerprint)
}

func (r *RedisGoldenRegistry) Get(ctx context.Context, fingerprint string) (string, bool, error) {
	v, err := r.redis.Get(ctx, goldenKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read golden baseline: %w", err)
	}
	return v, true, nil
}

func (r *RedisGoldenRegistry) Record(ctx context.Context, fingerprint, checksum string) (string, error) {
	key := goldenKey(fingerprint)
	ok, err := r.redis.SetNX(ctx, key, checksum, 0).Result()
	if err != nil {
		return "", fmt.Errorf("failed to record golden baseline: %w", err)
	}
	if ok {
		return checksum, nil
	}
	v, err := r.redis.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read golden baseline: %w", err)
	}
	return v, nil
}
