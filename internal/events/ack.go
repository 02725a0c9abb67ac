package events

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/store"
)

var errAlreadyAcknowledged = errors.New("event already acknowledged")

// MarkDelivered returns an OnDelivered hook that clears a job's pending
// event marker once its event has reached every sink. A marker for a newer
// outcome is left alone.
func MarkDelivered(s store.Store) func(env model.Envelope) {
	return func(env model.Envelope) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s.Update(ctx, env.JobID, func(j *model.RenderJob) error {
			if j.PendingEvent != env.Status {
				return errAlreadyAcknowledged
			}
			j.PendingEvent = ""
			return nil
		})
		if err != nil && !errors.Is(err, errAlreadyAcknowledged) && !errors.Is(err, store.ErrNotFound) {
			log.Printf("Failed to clear pending %s event for job %s: %v", env.Type, env.JobID, err)
		}
	}
}

// Envelope rebuilds the outcome event of a terminal job, for publishing
// again after a restart.
func Envelope(job *model.RenderJob) (model.Envelope, bool) {
	occurred := job.CreatedAt
	if job.CompletedAt != nil {
		occurred = *job.CompletedAt
	}
	switch job.Status {
	case model.JobStatusCompleted:
		return model.NewCompletedEnvelope(model.RenderCompleted{
			JobID:      job.ID,
			CaseID:     job.CaseID,
			OutputPath: job.OutputPath,
			Checksum:   job.Checksum,
			OccurredAt: occurred,
		}), true
	case model.JobStatusFailed:
		return model.NewFailedEnvelope(model.RenderFailed{
			JobID:        job.ID,
			CaseID:       job.CaseID,
			ErrorMessage: job.ErrorMessage,
			OccurredAt:   occurred,
		}), true
	}
	return model.Envelope{}, false
}
