// Package progress merges frame reports from running renders into job state.
// All progress writes go through one goroutine, so there is never more than
// one writer of frame counters per job.
package progress

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/store"
)

// drainBatch bounds how many queued reports are coalesced into one pass.
const drainBatch = 64

// Update is one frame report. Reports may arrive late or twice.
type Update struct {
	JobID          string
	FramesRendered int
	TotalFrames    int
}

// Snapshot is the tracker's latest view of a running job.
type Snapshot struct {
	JobID              string
	FramesRendered     int
	TotalFrames        int
	ProgressPercentage float64
	UpdatedAt          time.Time
}

// Broadcaster pushes progress to live subscribers.
type Broadcaster interface {
	BroadcastProgress(jobID string, status model.JobStatus, frames, total int, percentage float64)
}

type message struct {
	update  Update
	barrier chan struct{}
}

// Tracker owns the progress channel and its single consumer.
type Tracker struct {
	store       store.Store
	broadcaster Broadcaster
	messages    chan message

	mu        sync.RWMutex
	snapshots map[string]Snapshot

	done chan struct{}
}

// NewTracker creates a tracker with a channel of the given capacity.
// broadcaster may be nil.
func NewTracker(s store.Store, broadcaster Broadcaster, buffer int) *Tracker {
	if buffer <= 0 {
		buffer = 1
	}
	return &Tracker{
		store:       s,
		broadcaster: broadcaster,
		messages:    make(chan message, buffer),
		snapshots:   make(map[string]Snapshot),
		done:        make(chan struct{}),
	}
}

// Report queues a frame report, blocking while the channel is full.
func (t *Tracker) Report(ctx context.Context, u Update) error {
	select {
	case t.messages <- message{update: u}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errors.New("progress tracker stopped")
	}
}

// Flush waits until every report queued before the call has been applied.
func (t *Tracker) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case t.messages <- message{barrier: barrier}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return nil
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return nil
	}
}

// Snapshot returns the latest progress seen for a running job.
func (t *Tracker) Snapshot(jobID string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.snapshots[jobID]
	return s, ok
}

// Forget drops the snapshot of a job that left PROCESSING.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	delete(t.snapshots, jobID)
	t.mu.Unlock()
}

// Run consumes reports until ctx is cancelled. Reports for the same job
// queued back to back are coalesced to their maximum.
func (t *Tracker) Run(ctx context.Context) {
	defer close(t.done)

	for {
		var first message
		select {
		case <-ctx.Done():
			return
		case first = <-t.messages:
		}

		pending := make(map[string]Update)
		var order []string
		var barriers []chan struct{}

		collect := func(m message) {
			if m.barrier != nil {
				barriers = append(barriers, m.barrier)
				return
			}
			cur, ok := pending[m.update.JobID]
			if !ok {
				order = append(order, m.update.JobID)
				pending[m.update.JobID] = m.update
				return
			}
			if m.update.FramesRendered > cur.FramesRendered {
				cur.FramesRendered = m.update.FramesRendered
			}
			if m.update.TotalFrames > 0 {
				cur.TotalFrames = m.update.TotalFrames
			}
			pending[m.update.JobID] = cur
		}

		collect(first)
	drain:
		for i := 0; i < drainBatch && len(barriers) == 0; i++ {
			select {
			case m := <-t.messages:
				collect(m)
			default:
				break drain
			}
		}

		for _, id := range order {
			t.apply(ctx, pending[id])
		}
		for _, b := range barriers {
			close(b)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, u Update) {
	var (
		changed bool
		status  model.JobStatus
	)
	job, err := t.store.Update(ctx, u.JobID, func(j *model.RenderJob) error {
		if u.TotalFrames > 0 && j.TotalFrames == 0 {
			j.TotalFrames = u.TotalFrames
		}
		changed = j.ApplyProgress(u.FramesRendered)
		status = j.Status
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("Failed to update progress for job %s: %v", u.JobID, err)
		}
		return
	}

	if status != model.JobStatusProcessing {
		t.Forget(u.JobID)
		return
	}

	t.mu.Lock()
	t.snapshots[u.JobID] = Snapshot{
		JobID:              u.JobID,
		FramesRendered:     job.FramesRendered,
		TotalFrames:        job.TotalFrames,
		ProgressPercentage: job.ProgressPercentage,
		UpdatedAt:          time.Now(),
	}
	t.mu.Unlock()

	if changed && t.broadcaster != nil {
		t.broadcaster.BroadcastProgress(u.JobID, status, job.FramesRendered, job.TotalFrames, job.ProgressPercentage)
	}
}
