package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/legalsim/render-orchestrator/internal/client"
	"github.com/legalsim/render-orchestrator/internal/determinism"
	"github.com/legalsim/render-orchestrator/internal/events"
	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/progress"
	"github.com/legalsim/render-orchestrator/internal/queue"
	"github.com/legalsim/render-orchestrator/internal/renderer"
	"github.com/legalsim/render-orchestrator/internal/retry"
	"github.com/legalsim/render-orchestrator/internal/store"
)

// finalizeTimeout bounds the writes that record an attempt's outcome. They
// run detached from the worker context so shutdown can't strand a job.
const finalizeTimeout = 10 * time.Second

var errNotRunnable = errors.New("job is not runnable")

// Deps wires an Executor.
type Deps struct {
	Store          store.Store
	Queue          *queue.Queue
	Renderer       renderer.Renderer
	Determinism    *determinism.Manager
	Retry          *retry.Controller
	Tracker        *progress.Tracker
	Storage        client.StorageClient
	Events         events.Publisher
	PerFrameBudget time.Duration
	DeadlineGrace  time.Duration
}

// Executor runs one leased job to the end of one attempt.
type Executor struct {
	Deps
	now func() time.Time
}

func NewExecutor(deps Deps) *Executor {
	return &Executor{Deps: deps, now: time.Now}
}

// Execute drives a leased job: PROCESSING, render, then complete, retry,
// fail or cancel. It never panics and always ends the lease.
func (e *Executor) Execute(ctx context.Context, lease *queue.Lease) {
	job, err := e.start(ctx, lease)
	if err != nil {
		if errors.Is(err, errNotRunnable) || errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
			e.Queue.Release(lease)
			return
		}
		// Store hiccup; the record is still QUEUED so put the entry back.
		log.Printf("Failed to start render job %s: %v", lease.JobID, err)
		if err := e.Queue.Requeue(lease, e.Retry.Backoff(0)); errors.Is(err, context.Canceled) {
			e.finishCancelled(context.WithoutCancel(ctx), lease, lease.JobID)
		}
		return
	}

	seed := e.Determinism.ExecutionSeed(job)
	log.Printf("Render job %s started (case %s, seed %d, %d frames)", job.ID, job.CaseID, seed, job.TotalFrames)

	deadline := time.Duration(job.TotalFrames)*e.PerFrameBudget + e.DeadlineGrace
	rctx, cancel := context.WithTimeout(ctx, deadline)
	frames, err := e.render(rctx, lease, job, seed)
	cancel()

	if err == nil {
		err = e.complete(ctx, lease, job, seed, frames)
		if err == nil {
			return
		}
	}
	e.handleFailure(ctx, lease, job, err)
}

// start moves the job to PROCESSING and fixes its seed in the same write.
func (e *Executor) start(ctx context.Context, lease *queue.Lease) (*model.RenderJob, error) {
	cancelledEarly := false
	job, err := e.Store.Update(ctx, lease.JobID, func(j *model.RenderJob) error {
		if j.Status != model.JobStatusQueued {
			return errNotRunnable
		}
		if lease.Cancelled() {
			cancelledEarly = true
			return j.TransitionTo(model.JobStatusCancelled, e.now())
		}
		e.Determinism.AssignSeed(j)
		return j.TransitionTo(model.JobStatusProcessing, e.now())
	})
	if err != nil {
		return nil, err
	}
	if cancelledEarly {
		log.Printf("Render job %s cancelled before start", job.ID)
		return nil, errNotRunnable
	}
	return job, nil
}

func (e *Executor) render(ctx context.Context, lease *queue.Lease, job *model.RenderJob, seed int64) (frames []renderer.Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Renderer panic on job %s: %v\n%s", job.ID, r, debug.Stack())
			frames = nil
			err = renderer.Permanent(renderer.KindPanic, fmt.Errorf("renderer panic: %v", r))
		}
	}()

	obs := renderer.ObserverFunc(func(index, rendered int) error {
		if lease.Cancelled() {
			return renderer.ErrCancelled
		}
		if err := e.Tracker.Report(ctx, progress.Update{
			JobID:          job.ID,
			FramesRendered: rendered,
			TotalFrames:    job.TotalFrames,
		}); err != nil {
			return renderer.FromContext(err)
		}
		return nil
	})

	scene := renderer.Scene{
		JobID:        job.ID,
		CaseID:       job.CaseID,
		StoryboardID: job.StoryboardID,
		TimelineID:   job.TimelineID,
		Width:        job.Width,
		Height:       job.Height,
		FPS:          job.FPS,
		Quality:      job.Quality,
		OutputFormat: job.OutputFormat,
		TotalFrames:  job.TotalFrames,
	}
	return e.Renderer.Render(ctx, scene, seed, job.Profile, obs)
}

func (e *Executor) complete(ctx context.Context, lease *queue.Lease, job *model.RenderJob, seed int64, frames []renderer.Frame) error {
	if len(frames) != job.TotalFrames {
		return renderer.Permanent(renderer.KindFrameCount,
			fmt.Errorf("renderer returned %d frames, expected %d", len(frames), job.TotalFrames))
	}
	checksum, err := determinism.ComputeChecksum(frames)
	if err != nil {
		return renderer.Permanent(renderer.KindFrameCount, err)
	}
	if lease.Cancelled() {
		return renderer.ErrCancelled
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	artifact := client.NewArtifact(concatFrames(frames), checksum)
	key := client.ArtifactKey(job.CaseID, job.ID, job.OutputFormat)
	if _, err := e.Storage.Upload(fctx, key, artifact, client.ContentType(job.OutputFormat)); err != nil {
		return renderer.Transient(renderer.KindStorage, err)
	}

	verification := e.Determinism.Verify(fctx, job, seed, checksum)
	if verification.Warning != nil {
		log.Printf("Render job %s: %v", job.ID, verification.Warning)
	}

	_ = e.Tracker.Flush(fctx)
	done, err := e.Store.Update(fctx, job.ID, func(j *model.RenderJob) error {
		if err := j.TransitionTo(model.JobStatusCompleted, e.now()); err != nil {
			return err
		}
		j.Checksum = checksum
		j.OutputPath = key
		j.FileSizeBytes = artifact.Size()
		j.FramesRendered = j.TotalFrames
		j.ProgressPercentage = 100
		j.DeterminismCheck = verification.Check
		j.PendingEvent = model.JobStatusCompleted
		if verification.Warning != nil {
			j.Warnings = append(j.Warnings, verification.Warning.Error())
		}
		return nil
	})
	if err != nil {
		// The artifact exists but the job can't say so; retrying rewrites it.
		return renderer.Transient(renderer.KindStorage, fmt.Errorf("failed to record completion: %w", err))
	}

	e.Tracker.Forget(job.ID)
	e.Queue.Release(lease)
	log.Printf("Render job %s completed (checksum %s, determinism %s)", job.ID, checksum, displayCheck(done.DeterminismCheck))

	if err := e.Events.PublishCompleted(fctx, model.RenderCompleted{
		JobID:      done.ID,
		CaseID:     done.CaseID,
		OutputPath: done.OutputPath,
		Checksum:   done.Checksum,
		OccurredAt: e.now(),
	}); err != nil {
		// The pending marker stays set; recovery publishes it again.
		log.Printf("Failed to publish completion of job %s: %v", done.ID, err)
	}
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, lease *queue.Lease, job *model.RenderJob, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	e.Tracker.Forget(job.ID)

	switch {
	case lease.Cancelled():
		e.finishCancelled(fctx, lease, job.ID)
		return
	case ctx.Err() != nil:
		// Pool shutdown, not a job failure. Hand the job back untouched.
		if _, err := e.Store.Update(fctx, job.ID, func(j *model.RenderJob) error {
			return j.TransitionTo(model.JobStatusQueued, e.now())
		}); err != nil {
			log.Printf("Failed to requeue interrupted job %s: %v", job.ID, err)
		}
		e.Queue.Release(lease)
		log.Printf("Render job %s interrupted by shutdown", job.ID)
		return
	}

	d := e.Retry.Decide(cause, job.RetryCount, job.MaxRetries)
	if d.Action == retry.ActionRetry {
		e.scheduleRetry(fctx, lease, job, d)
		return
	}
	e.finishFailed(fctx, lease, job, d)
}

func (e *Executor) scheduleRetry(ctx context.Context, lease *queue.Lease, job *model.RenderJob, d retry.Decision) {
	if _, err := e.Store.Update(ctx, job.ID, func(j *model.RenderJob) error {
		if err := j.TransitionTo(model.JobStatusQueued, e.now()); err != nil {
			return err
		}
		j.RetryCount = d.RetryCount
		return nil
	}); err != nil {
		log.Printf("Failed to record retry of job %s: %v", job.ID, err)
		e.Queue.Release(lease)
		return
	}

	log.Printf("Render job %s failed (%s %s), retry %d/%d in %s: %s",
		job.ID, d.Class, d.Kind, d.RetryCount, job.MaxRetries, d.Delay, d.Message)

	err := e.Queue.Requeue(lease, d.Delay)
	switch {
	case errors.Is(err, context.Canceled):
		e.finishCancelled(ctx, lease, job.ID)
	case err != nil:
		// Queue closed; the QUEUED record is picked up by recovery.
		log.Printf("Failed to requeue job %s: %v", job.ID, err)
	}
}

func (e *Executor) finishFailed(ctx context.Context, lease *queue.Lease, job *model.RenderJob, d retry.Decision) {
	failed, err := e.Store.Update(ctx, job.ID, func(j *model.RenderJob) error {
		if err := j.TransitionTo(model.JobStatusFailed, e.now()); err != nil {
			return err
		}
		j.RetryCount = d.RetryCount
		j.ErrorMessage = d.Message
		j.PendingEvent = model.JobStatusFailed
		return nil
	})
	e.Queue.Release(lease)
	if err != nil {
		log.Printf("Failed to mark job %s as failed: %v", job.ID, err)
		return
	}

	log.Printf("Render job %s failed permanently (%s %s) after %d retries: %s",
		job.ID, d.Class, d.Kind, failed.RetryCount, d.Message)

	if err := e.Events.PublishFailed(ctx, model.RenderFailed{
		JobID:        failed.ID,
		CaseID:       failed.CaseID,
		ErrorMessage: failed.ErrorMessage,
		OccurredAt:   e.now(),
	}); err != nil {
		log.Printf("Failed to publish failure of job %s: %v", failed.ID, err)
	}
}

func (e *Executor) finishCancelled(ctx context.Context, lease *queue.Lease, jobID string) {
	_, err := e.Store.Update(ctx, jobID, func(j *model.RenderJob) error {
		if j.Status == model.JobStatusCancelled {
			return nil
		}
		return j.TransitionTo(model.JobStatusCancelled, e.now())
	})
	e.Queue.Release(lease)
	if err != nil {
		log.Printf("Failed to mark job %s as cancelled: %v", jobID, err)
		return
	}
	log.Printf("Render job %s cancelled", jobID)
}

func concatFrames(frames []renderer.Frame) []byte {
	ordered := make([][]byte, len(frames))
	for _, f := range frames {
		ordered[f.Index] = f.Data
	}
	return bytes.Join(ordered, nil)
}

func displayCheck(c model.DeterminismCheck) string {
	if c == model.DeterminismUnchecked {
		return "unchecked"
	}
	return string(c)
}
