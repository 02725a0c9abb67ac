package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/service"
)

// TaskTypeTimelineCompiled is published by the timeline compiler when a
// timeline is ready to render.
const TaskTypeTimelineCompiled = "timeline:compiled"

// QueueTimeline is the asynq queue the intake server consumes.
const QueueTimeline = "timeline"

// TimelineCompiledPayload is the task body. Request carries the same fields
// as POST /api/renders.
type TimelineCompiledPayload struct {
	CompiledBy string                    `json:"compiledBy"`
	Request    model.CreateRenderRequest `json:"request"`
}

// RenderCreator admits render requests.
type RenderCreator interface {
	CreateRender(ctx context.Context, req model.CreateRenderRequest) (*model.RenderJob, error)
}

// TimelineWorker turns compiled timelines into render jobs.
type TimelineWorker struct {
	renders RenderCreator
}

func NewTimelineWorker(renders RenderCreator) *TimelineWorker {
	return &TimelineWorker{renders: renders}
}

// ProcessTask handles timeline:compiled. Malformed or rejected requests are
// not retried; a full queue is, with asynq's backoff.
func (w *TimelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload TimelineCompiledPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	req := payload.Request
	if req.CreatedBy == "" {
		req.CreatedBy = payload.CompiledBy
	}

	job, err := w.renders.CreateRender(ctx, req)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			log.Printf("Rejected compiled timeline %s for case %s: %v", req.TimelineID, req.CaseID, verr)
			return fmt.Errorf("%v: %w", verr, asynq.SkipRetry)
		}
		return fmt.Errorf("failed to create render for timeline %s: %w", req.TimelineID, err)
	}

	log.Printf("Timeline %s queued as render job %s", req.TimelineID, job.ID)
	return nil
}

// NewTimelineCompiledTask builds the task the compiler enqueues. Used by
// renderctl and tests.
func NewTimelineCompiledTask(payload TimelineCompiledPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timeline payload: %w", err)
	}
	return asynq.NewTask(TaskTypeTimelineCompiled, data,
		asynq.Queue(QueueTimeline),
		asynq.MaxRetry(5),
	), nil
}
