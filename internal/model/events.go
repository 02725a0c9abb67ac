package model

import "time"

// Event types published on the outside event bus
const (
	EventRenderCompleted = "render.completed"
	EventRenderFailed    = "render.failed"
)

// RenderCompleted is emitted once a job reaches COMPLETED.
type RenderCompleted struct {
	JobID      string    `json:"job_id"`
	CaseID     string    `json:"case_id"`
	OutputPath string    `json:"output_path"`
	Checksum   string    `json:"checksum"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RenderFailed is emitted once a job reaches terminal FAILED.
type RenderFailed struct {
	JobID        string    `json:"job_id"`
	CaseID       string    `json:"case_id"`
	ErrorMessage string    `json:"error_message"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Envelope is the wire form shared by every sink. Consumers dedupe on
// (JobID, Status) since delivery is at-least-once.
type Envelope struct {
	Type    string    `json:"type"`
	JobID   string    `json:"job_id"`
	CaseID  string    `json:"case_id"`
	Status  JobStatus `json:"status"`
	Payload any       `json:"payload"`
}

// DedupeKey identifies an event for consumers and producer-side dedupe.
func (e Envelope) DedupeKey() string {
	return e.JobID + ":" + string(e.Status)
}

// NewCompletedEnvelope wraps a RenderCompleted event.
func NewCompletedEnvelope(ev RenderCompleted) Envelope {
	return Envelope{
		Type:    EventRenderCompleted,
		JobID:   ev.JobID,
		CaseID:  ev.CaseID,
		Status:  JobStatusCompleted,
		Payload: ev,
	}
}

// NewFailedEnvelope wraps a RenderFailed event.
func NewFailedEnvelope(ev RenderFailed) Envelope {
	return Envelope{
		Type:    EventRenderFailed,
		JobID:   ev.JobID,
		CaseID:  ev.CaseID,
		Status:  JobStatusFailed,
		Payload: ev,
	}
}
