package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/legalsim/render-orchestrator/internal/client"
	"github.com/legalsim/render-orchestrator/internal/determinism"
	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/policy"
	"github.com/legalsim/render-orchestrator/internal/progress"
	"github.com/legalsim/render-orchestrator/internal/queue"
	"github.com/legalsim/render-orchestrator/internal/renderer"
	"github.com/legalsim/render-orchestrator/internal/store"
)

var (
	ErrNotRetryable = errors.New("render job is not in a retryable state")
	ErrNotCompleted = errors.New("render job has no artifact yet")
	// ErrArtifactMissing means a completed job's artifact is gone from storage.
	ErrArtifactMissing = errors.New("render artifact is missing from storage")
)

// RenderServiceConfig wires a RenderService.
type RenderServiceConfig struct {
	Store       store.Store
	Queue       *queue.Queue
	Modes       policy.ModeResolver
	Validator   *Validator
	Determinism *determinism.Manager
	Tracker     *progress.Tracker
	Storage     client.StorageClient
	Renderer    renderer.Renderer
	URLTTL      time.Duration
	Workers     int
}

// RenderService handles render job admission and queries
type RenderService struct {
	RenderServiceConfig
	now func() time.Time
}

func NewRenderService(cfg RenderServiceConfig) *RenderService {
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = time.Hour
	}
	return &RenderService{RenderServiceConfig: cfg, now: time.Now}
}

// CreateRender validates a request and queues a new job. Rejected requests
// leave no job behind: validation runs first, then queue capacity is
// reserved, and only then is the job persisted.
func (s *RenderService) CreateRender(ctx context.Context, req model.CreateRenderRequest) (*model.RenderJob, error) {
	mode, err := s.Modes.ModeForCase(ctx, req.CaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve case mode: %w", err)
	}

	resolved, err := s.Validator.Validate(req, mode)
	if err != nil {
		return nil, err
	}

	reservation, err := s.Queue.Reserve()
	if err != nil {
		return nil, err
	}
	defer reservation.Release()

	job := &model.RenderJob{
		ID:                   uuid.New().String(),
		CaseID:               resolved.CaseID,
		StoryboardID:         resolved.StoryboardID,
		TimelineID:           resolved.TimelineID,
		CreatedBy:            resolved.CreatedBy,
		Mode:                 resolved.Mode,
		Profile:              resolved.Profile,
		Width:                resolved.Width,
		Height:               resolved.Height,
		FPS:                  resolved.FPS,
		Quality:              resolved.Quality,
		OutputFormat:         resolved.OutputFormat,
		Deterministic:        resolved.IsDeterministic(),
		Seed:                 resolved.Seed,
		Status:               model.JobStatusQueued,
		Priority:             resolved.Priority,
		MaxRetries:           resolved.MaxRetries,
		TotalFrames:          resolved.TotalFrames,
		GoldenFrameChecksums: resolved.GoldenChecksums,
		CreatedAt:            s.now().UTC(),
	}
	s.Determinism.AssignSeed(job)

	if err := s.Store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	// ErrDuplicate means the pool's sweep admitted the record first.
	if err := reservation.Commit(entryFor(job)); err != nil && !errors.Is(err, queue.ErrDuplicate) {
		// The record stays QUEUED and is admitted by the sweep.
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	log.Printf("Render job %s queued (case %s, %s/%s, %d frames, priority %d)",
		job.ID, job.CaseID, job.Mode, job.Profile, job.TotalFrames, job.Priority)
	return job, nil
}

// GetRender returns the full job record.
func (s *RenderService) GetRender(ctx context.Context, jobID string) (*model.RenderJob, error) {
	return s.Store.Get(ctx, jobID)
}

// GetRenderStatus returns the job's status, preferring the tracker's live
// frame count while the job runs.
func (s *RenderService) GetRenderStatus(ctx context.Context, jobID string) (*model.RenderStatusResponse, error) {
	job, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	resp := &model.RenderStatusResponse{
		JobID:              job.ID,
		CaseID:             job.CaseID,
		Status:             job.Status,
		FramesRendered:     job.FramesRendered,
		TotalFrames:        job.TotalFrames,
		ProgressPercentage: job.ProgressPercentage,
		RetryCount:         job.RetryCount,
		MaxRetries:         job.MaxRetries,
		Checksum:           job.Checksum,
		DeterminismCheck:   job.DeterminismCheck,
		Warnings:           job.Warnings,
		CreatedAt:          job.CreatedAt,
		StartedAt:          job.StartedAt,
		CompletedAt:        job.CompletedAt,
	}
	if job.ErrorMessage != "" {
		msg := job.ErrorMessage
		resp.ErrorMessage = &msg
	}

	if job.Status == model.JobStatusProcessing && s.Tracker != nil {
		if snap, ok := s.Tracker.Snapshot(jobID); ok && snap.FramesRendered > resp.FramesRendered {
			resp.FramesRendered = snap.FramesRendered
			resp.ProgressPercentage = snap.ProgressPercentage
		}
	}
	return resp, nil
}

// CancelRender cancels a queued job at once and asks a running one to stop
// at its next frame boundary. Terminal jobs are left as they are.
func (s *RenderService) CancelRender(ctx context.Context, jobID string) (*model.RenderCancelResponse, error) {
	job, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return &model.RenderCancelResponse{
			Success: job.Status == model.JobStatusCancelled,
			JobID:   job.ID,
			Status:  job.Status,
		}, nil
	}

	result := s.Queue.Cancel(jobID)
	if result == queue.CancelSignalled {
		log.Printf("Cancel requested for running job %s", jobID)
		return &model.RenderCancelResponse{Success: true, JobID: job.ID, Status: job.Status}, nil
	}

	updated, err := s.Store.Update(ctx, jobID, func(j *model.RenderJob) error {
		if j.Status != model.JobStatusQueued {
			return nil
		}
		return j.TransitionTo(model.JobStatusCancelled, s.now())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	if updated.Status == model.JobStatusCancelled {
		log.Printf("Render job %s cancelled (%s)", jobID, result)
	}
	return &model.RenderCancelResponse{
		Success: updated.Status == model.JobStatusCancelled || !updated.Status.Terminal(),
		JobID:   updated.ID,
		Status:  updated.Status,
	}, nil
}

// RetryRender puts a FAILED job back in the queue. Its retry count is kept.
func (s *RenderService) RetryRender(ctx context.Context, jobID string) (*model.RenderRetryResponse, error) {
	reservation, err := s.Queue.Reserve()
	if err != nil {
		return nil, err
	}
	defer reservation.Release()

	var prior *model.RenderJob
	job, err := s.Store.Update(ctx, jobID, func(j *model.RenderJob) error {
		if j.Status != model.JobStatusFailed {
			return ErrNotRetryable
		}
		// The worker that failed the job still holds its lease until it
		// releases it right after the FAILED write.
		if s.Queue.Contains(j.ID) {
			return ErrNotRetryable
		}
		prior = j.Clone()
		return j.TransitionTo(model.JobStatusQueued, s.now())
	})
	if err != nil {
		return nil, err
	}

	// With no lease left, ErrDuplicate means the pool's sweep admitted the
	// QUEUED record first.
	if err := reservation.Commit(entryFor(job)); err != nil && !errors.Is(err, queue.ErrDuplicate) {
		s.restoreFailed(ctx, prior)
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	log.Printf("Render job %s manually re-queued (retry count %d)", job.ID, job.RetryCount)
	return &model.RenderRetryResponse{JobID: job.ID, Status: job.Status, RetryCount: job.RetryCount}, nil
}

// restoreFailed puts back the FAILED record a retry replaced when the retry
// could not be admitted, so no QUEUED row is left without a queue entry.
func (s *RenderService) restoreFailed(ctx context.Context, prior *model.RenderJob) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_, err := s.Store.Update(rctx, prior.ID, func(j *model.RenderJob) error {
		if j.Status != model.JobStatusQueued {
			return nil
		}
		j.Status = model.JobStatusFailed
		j.ErrorMessage = prior.ErrorMessage
		j.StartedAt = prior.StartedAt
		j.CompletedAt = prior.CompletedAt
		j.FramesRendered = prior.FramesRendered
		j.ProgressPercentage = prior.ProgressPercentage
		return nil
	})
	if err != nil {
		log.Printf("Failed to restore job %s to FAILED after refused retry: %v", prior.ID, err)
	}
}

// ListRenders returns a page of jobs, newest first.
func (s *RenderService) ListRenders(ctx context.Context, filter model.RenderListFilter) (*model.RenderListResponse, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	jobs, total, err := s.Store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	if jobs == nil {
		jobs = []*model.RenderJob{}
	}
	return &model.RenderListResponse{Jobs: jobs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// GetQueueStats combines stored counts with live queue figures.
func (s *RenderService) GetQueueStats(ctx context.Context) (*model.QueueStatsResponse, error) {
	counts, err := s.Store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	qs := s.Queue.Stats()
	return &model.QueueStatsResponse{
		TotalJobs:  total,
		ByStatus:   counts,
		Waiting:    qs.Waiting,
		Delayed:    qs.Delayed,
		InFlight:   qs.InFlight,
		BusyCases:  qs.BusyCases,
		Capacity:   qs.Capacity,
		Workers:    s.Workers,
		ObservedAt: s.now().UTC(),
	}, nil
}

// DownloadURL returns a time-limited link to a completed job's artifact.
func (s *RenderService) DownloadURL(ctx context.Context, jobID string) (*model.RenderDownloadResponse, error) {
	job, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted || job.OutputPath == "" {
		return nil, ErrNotCompleted
	}

	info, err := s.Storage.Stat(ctx, job.OutputPath)
	switch {
	case errors.Is(err, client.ErrObjectNotFound):
		return nil, ErrArtifactMissing
	case err != nil:
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	case info.Checksum != "" && info.Checksum != job.Checksum:
		return nil, fmt.Errorf("artifact %s has checksum %s, job %s recorded %s",
			job.OutputPath, info.Checksum, job.ID, job.Checksum)
	}

	url, err := s.Storage.GetSignedURL(ctx, job.OutputPath, s.URLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign artifact url: %w", err)
	}
	return &model.RenderDownloadResponse{
		JobID:     job.ID,
		URL:       url,
		Checksum:  job.Checksum,
		SizeBytes: info.Size,
		ExpiresAt: s.now().Add(s.URLTTL).UTC(),
	}, nil
}

func entryFor(job *model.RenderJob) queue.Entry {
	return queue.Entry{
		JobID:     job.ID,
		CaseID:    job.CaseID,
		Priority:  job.Priority,
		CreatedAt: job.CreatedAt,
	}
}
