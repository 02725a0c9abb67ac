package model

import "time"

// CreateRenderRequest represents the request to start a render job
type CreateRenderRequest struct {
	TimelineID      string   `json:"timelineId" validate:"required,max=128"`
	StoryboardID    string   `json:"storyboardId" validate:"required,max=128"`
	CaseID          string   `json:"caseId" validate:"required,max=128"`
	Profile         Profile  `json:"profile" validate:"required,oneof=NEUTRAL CINEMATIC"`
	Deterministic   *bool    `json:"deterministic"`
	Seed            *int64   `json:"seed"`
	Width           int      `json:"width" validate:"omitempty,min=1"`
	Height          int      `json:"height" validate:"omitempty,min=1"`
	FPS             int      `json:"fps" validate:"omitempty,min=1"`
	Quality         Quality  `json:"quality" validate:"omitempty,oneof=draft standard high ultra"`
	OutputFormat    string   `json:"outputFormat" validate:"omitempty,oneof=mp4 mov png"`
	Priority        int      `json:"priority" validate:"min=-1000,max=1000"`
	TotalFrames     int      `json:"totalFrames" validate:"omitempty,min=0"`
	DurationSeconds float64  `json:"durationSeconds" validate:"omitempty,min=0"`
	MaxRetries      *int     `json:"maxRetries" validate:"omitempty,min=0"`
	GoldenChecksums []string `json:"goldenChecksums" validate:"omitempty,dive,len=64,hexadecimal"`
	CreatedBy       string   `json:"-"`
}

// IsDeterministic defaults to true when the caller did not say otherwise.
func (r *CreateRenderRequest) IsDeterministic() bool {
	return r.Deterministic == nil || *r.Deterministic
}

// RenderStatusResponse represents the status of a render job
type RenderStatusResponse struct {
	JobID              string           `json:"jobId"`
	CaseID             string           `json:"caseId"`
	Status             JobStatus        `json:"status"`
	FramesRendered     int              `json:"framesRendered"`
	TotalFrames        int              `json:"totalFrames"`
	ProgressPercentage float64          `json:"progressPercentage"`
	ErrorMessage       *string          `json:"errorMessage"`
	RetryCount         int              `json:"retryCount"`
	MaxRetries         int              `json:"maxRetries"`
	Checksum           string           `json:"checksum,omitempty"`
	DeterminismCheck   DeterminismCheck `json:"determinismCheck,omitempty"`
	Warnings           []string         `json:"warnings,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	StartedAt          *time.Time       `json:"startedAt"`
	CompletedAt        *time.Time       `json:"completedAt"`
}

// RenderCancelResponse represents the response when canceling a render
type RenderCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// RenderRetryResponse represents the response when manually retrying a render
type RenderRetryResponse struct {
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	RetryCount int       `json:"retryCount"`
}

// RenderListFilter narrows a job listing
type RenderListFilter struct {
	CaseID       string    `query:"caseId"`
	StoryboardID string    `query:"storyboardId"`
	Status       JobStatus `query:"status" validate:"omitempty,oneof=QUEUED PROCESSING COMPLETED FAILED CANCELLED"`
	Limit        int       `query:"limit" validate:"omitempty,min=1,max=500"`
	Offset       int       `query:"offset" validate:"omitempty,min=0"`
}

// RenderListResponse wraps a page of jobs
type RenderListResponse struct {
	Jobs   []*RenderJob `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// QueueStatsResponse reports job counts by status and live queue figures
type QueueStatsResponse struct {
	TotalJobs  int               `json:"totalJobs"`
	ByStatus   map[JobStatus]int `json:"byStatus"`
	Waiting    int               `json:"waiting"`
	Delayed    int               `json:"delayed"`
	InFlight   int               `json:"inFlight"`
	BusyCases  int               `json:"busyCases"`
	Capacity   int               `json:"capacity"`
	Workers    int               `json:"workers"`
	ObservedAt time.Time         `json:"observedAt"`
}

// RenderDownloadResponse points at the stored artifact of a completed job
type RenderDownloadResponse struct {
	JobID     string    `json:"jobId"`
	URL       string    `json:"url"`
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"sizeBytes"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DeterminismTestRequest asks for one scene to be rendered several times
// with the same seed so the checksums can be compared.
type DeterminismTestRequest struct {
	CaseID       string  `json:"caseId" validate:"required,max=128"`
	StoryboardID string  `json:"storyboardId" validate:"required,max=128"`
	TimelineID   string  `json:"timelineId" validate:"required,max=128"`
	Profile      Profile `json:"profile" validate:"required,oneof=NEUTRAL CINEMATIC"`
	Seed         *int64  `json:"seed"`
	Width        int     `json:"width" validate:"omitempty,min=1"`
	Height       int     `json:"height" validate:"omitempty,min=1"`
	FPS          int     `json:"fps" validate:"omitempty,min=1"`
	Quality      Quality `json:"quality" validate:"omitempty,oneof=draft standard high ultra"`
	TotalFrames  int     `json:"totalFrames" validate:"required,min=1,max=600"`
	Iterations   int     `json:"iterations" validate:"omitempty,min=2,max=10"`
}

// DeterminismIteration is the outcome of one render of a determinism test
type DeterminismIteration struct {
	Iteration  int    `json:"iteration"`
	Checksum   string `json:"checksum,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// DeterminismTestResponse reports whether every iteration produced the
// same output.
type DeterminismTestResponse struct {
	Renderer        string                 `json:"renderer"`
	Seed            int64                  `json:"seed"`
	Profile         Profile                `json:"profile"`
	TotalFrames     int                    `json:"totalFrames"`
	Iterations      []DeterminismIteration `json:"iterations"`
	UniqueChecksums int                    `json:"uniqueChecksums"`
	Deterministic   bool                   `json:"deterministic"`
	Checksum        string                 `json:"checksum,omitempty"`
	Recommendations []string               `json:"recommendations,omitempty"`
}

// ProfileInfo describes a render profile and the case modes that accept it
type ProfileInfo struct {
	Name         Profile `json:"name"`
	Description  string  `json:"description"`
	AllowedModes []Mode  `json:"allowedModes"`
}

// ProfilesResponse lists the render profiles
type ProfilesResponse struct {
	Profiles []ProfileInfo `json:"profiles"`
}
