package model

import (
	"fmt"
	"time"
)

// RenderJob is the persisted record of a single render request.
// Queue and workers refer to jobs by ID only; the store owns the record.
type RenderJob struct {
	ID           string `json:"id"`
	CaseID       string `json:"caseId"`
	StoryboardID string `json:"storyboardId"`
	TimelineID   string `json:"timelineId"`
	CreatedBy    string `json:"createdBy,omitempty"`

	Mode    Mode    `json:"mode"`
	Profile Profile `json:"profile"`

	Width         int     `json:"width"`
	Height        int     `json:"height"`
	FPS           int     `json:"fps"`
	Quality       Quality `json:"quality"`
	OutputFormat  string  `json:"outputFormat"`
	Deterministic bool    `json:"deterministic"`
	Seed          *int64  `json:"seed"`

	Status     JobStatus `json:"status"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`

	FramesRendered     int     `json:"framesRendered"`
	TotalFrames        int     `json:"totalFrames"`
	ProgressPercentage float64 `json:"progressPercentage"`

	OutputPath           string           `json:"outputPath"`
	Checksum             string           `json:"checksum"`
	GoldenFrameChecksums []string         `json:"goldenFrameChecksums"`
	DeterminismCheck     DeterminismCheck `json:"determinismCheck,omitempty"`
	Warnings             []string         `json:"warnings,omitempty"`
	ErrorMessage         string           `json:"errorMessage"`
	FileSizeBytes        int64            `json:"fileSizeBytes"`
	RenderTimeSeconds    float64          `json:"renderTimeSeconds"`

	// PendingEvent is the terminal status whose event not every sink has
	// acknowledged yet. Empty once delivery is confirmed.
	PendingEvent JobStatus `json:"pendingEvent,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobStatusQueued: {
		JobStatusProcessing: {},
		JobStatusCancelled:  {},
	},
	JobStatusProcessing: {
		JobStatusQueued:    {},
		JobStatusCompleted: {},
		JobStatusFailed:    {},
		JobStatusCancelled: {},
	},
	// Manual retry only.
	JobStatusFailed: {
		JobStatusQueued: {},
	},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TransitionTo moves the job to status to, stamping timestamps on the way.
func (j *RenderJob) TransitionTo(to JobStatus, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for job %s", j.Status, to, j.ID)
	}
	switch to {
	case JobStatusProcessing:
		started := now
		j.StartedAt = &started
		j.CompletedAt = nil
	case JobStatusQueued:
		// A new attempt starts from frame zero.
		j.StartedAt = nil
		j.CompletedAt = nil
		j.ErrorMessage = ""
		j.FramesRendered = 0
		j.ProgressPercentage = 0
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		completed := now
		j.CompletedAt = &completed
		if j.StartedAt != nil {
			j.RenderTimeSeconds = now.Sub(*j.StartedAt).Seconds()
		}
	}
	if to != JobStatusCompleted {
		j.Checksum = ""
	}
	j.Status = to
	return nil
}

// ApplyProgress raises FramesRendered to frames if it is ahead of the
// current value. Lower or duplicate reports are ignored. It returns true
// when the record changed.
func (j *RenderJob) ApplyProgress(frames int) bool {
	if j.Status != JobStatusProcessing {
		return false
	}
	if j.TotalFrames > 0 && frames > j.TotalFrames {
		frames = j.TotalFrames
	}
	if frames <= j.FramesRendered {
		return false
	}
	j.FramesRendered = frames
	j.ProgressPercentage = Percentage(frames, j.TotalFrames)
	return true
}

// Percentage returns frames/total as a 0-100 value.
func Percentage(frames, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(frames) / float64(total) * 100
}

// Clone returns a deep copy so callers can't mutate stored state.
func (j *RenderJob) Clone() *RenderJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Seed != nil {
		seed := *j.Seed
		c.Seed = &seed
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.GoldenFrameChecksums = append([]string(nil), j.GoldenFrameChecksums...)
	c.Warnings = append([]string(nil), j.Warnings...)
	return &c
}
