// Package policy resolves the legal mode of a case.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/legalsim/render-orchestrator/internal/config"
	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
)

// ModeResolver supplies the mode a case is in. Modes are owned by the case
// management service; this package only reads them.
type ModeResolver interface {
	ModeForCase(ctx context.Context, caseID string) (model.Mode, error)
}

// StaticResolver serves modes from configuration with a default fallback.
type StaticResolver struct {
	defaultMode model.Mode
	cases       map[string]model.Mode
}

func NewStaticResolver(defaultMode model.Mode, cases map[string]string) (*StaticResolver, error) {
	if !defaultMode.Valid() {
		return nil, fmt.Errorf("invalid default mode %q", defaultMode)
	}
	r := &StaticResolver{defaultMode: defaultMode, cases: make(map[string]model.Mode, len(cases))}
	for caseID, raw := range cases {
		m := model.Mode(strings.ToUpper(raw))
		if !m.Valid() {
			return nil, fmt.Errorf("invalid mode %q for case %s", raw, caseID)
		}
		r.cases[caseID] = m
	}
	return r, nil
}

func (r *StaticResolver) ModeForCase(_ context.Context, caseID string) (model.Mode, error) {
	if m, ok := r.cases[caseID]; ok {
		return m, nil
	}
	return r.defaultMode, nil
}

// RedisResolver reads case:<id>:mode, written by the case service. Missing
// keys fall back to the default mode.
type RedisResolver struct {
	redis       *redis.Client
	defaultMode model.Mode
}

func NewRedisResolver(redisClient *redis.Client, defaultMode model.Mode) *RedisResolver {
	return &RedisResolver{redis: redisClient, defaultMode: defaultMode}
}

func caseModeKey(caseID string) string {
	return fmt.Sprintf("case:%s:mode", caseID)
}

func (r *RedisResolver) ModeForCase(ctx context.Context, caseID string) (model.Mode, error) {
	raw, err := r.redis.Get(ctx, caseModeKey(caseID)).Result()
	if errors.Is(err, redis.Nil) {
		return r.defaultMode, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read case mode: %w", err)
	}
	m := model.Mode(strings.ToUpper(strings.TrimSpace(raw)))
	if !m.Valid() {
		return "", fmt.Errorf("case %s has unknown mode %q", caseID, raw)
	}
	return m, nil
}

// SetMode stores the mode of a case. Used by tooling and tests.
func (r *RedisResolver) SetMode(ctx context.Context, caseID string, m model.Mode) error {
	if err := r.redis.Set(ctx, caseModeKey(caseID), string(m), 0).Err(); err != nil {
		return fmt.Errorf("failed to set case mode: %w", err)
	}
	return nil
}

// New builds the resolver selected by cfg.Backend.
func New(cfg config.PolicyConfig, redisClient *redis.Client) (ModeResolver, error) {
	defaultMode := model.Mode(cfg.DefaultMode)
	switch cfg.Backend {
	case "static":
		return NewStaticResolver(defaultMode, cfg.CaseModes)
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis policy backend requires a redis client")
		}
		return NewRedisResolver(redisClient, defaultMode), nil
	default:
		return nil, fmt.Errorf("unknown policy backend %q", cfg.Backend)
	}
}
