package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
)

// Task types for outcome events on the asynq bus.
const (
	TaskTypeRenderCompleted = "render:completed"
	TaskTypeRenderFailed    = "render:failed"
)

// RedisSink publishes envelopes on redis pub/sub channels events:<type>.
type RedisSink struct {
	redis *redis.Client
}

func NewRedisSink(redisClient *redis.Client) *RedisSink {
	return &RedisSink{redis: redisClient}
}

func (s *RedisSink) Name() string { return "redis" }

// Channel returns the pub/sub channel for an event type.
func Channel(eventType string) string {
	return "events:" + eventType
}

func (s *RedisSink) Publish(ctx context.Context, env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.redis.Publish(ctx, Channel(env.Type), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Enqueuer is the part of asynq.Client the sink needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSink turns envelopes into durable asynq tasks. The task id is the
// dedupe key, so a redelivered event is not enqueued twice while the first
// copy is retained.
type AsynqSink struct {
	client    Enqueuer
	queue     string
	retention time.Duration
}

func NewAsynqSink(client Enqueuer) *AsynqSink {
	return &AsynqSink{client: client, queue: "events", retention: 24 * time.Hour}
}

func (s *AsynqSink) Name() string { return "asynq" }

func (s *AsynqSink) Publish(ctx context.Context, env model.Envelope) error {
	task, err := newEventTask(env)
	if err != nil {
		return err
	}

	_, err = s.client.EnqueueContext(ctx, task,
		asynq.TaskID(env.DedupeKey()),
		asynq.Queue(s.queue),
		asynq.MaxRetry(10),
		asynq.Retention(s.retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue event task: %w", err)
	}
	return nil
}

func newEventTask(env model.Envelope) (*asynq.Task, error) {
	var taskType string
	switch env.Type {
	case model.EventRenderCompleted:
		taskType = TaskTypeRenderCompleted
	case model.EventRenderFailed:
		taskType = TaskTypeRenderFailed
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return asynq.NewTask(taskType, data), nil
}

// Notifier is the websocket side of the hub.
type Notifier interface {
	BroadcastComplete(jobID string, result interface{})
	BroadcastError(jobID string, code, message string)
}

// HubSink forwards outcomes to websocket subscribers of the job.
type HubSink struct {
	hub Notifier
}

func NewHubSink(hub Notifier) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Publish(_ context.Context, env model.Envelope) error {
	switch env.Type {
	case model.EventRenderCompleted:
		s.hub.BroadcastComplete(env.JobID, env.Payload)
	case model.EventRenderFailed:
		msg := ""
		if ev, ok := env.Payload.(model.RenderFailed); ok {
			msg = ev.ErrorMessage
		}
		s.hub.BroadcastError(env.JobID, "JOB_FAILED", msg)
	}
	return nil
}
