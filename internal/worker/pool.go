package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/legalsim/render-orchestrator/internal/events"
	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/queue"
	"github.com/legalsim/render-orchestrator/internal/store"
)

// DefaultSweepInterval is how often QUEUED records the queue does not hold
// are admitted again.
const DefaultSweepInterval = 30 * time.Second

// Pool runs a fixed number of workers that pull leases from the queue.
type Pool struct {
	queue    *queue.Queue
	store    store.Store
	executor *Executor
	workers  int
	sweep    time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPool creates a pool; nothing runs until Start.
func NewPool(q *queue.Queue, s store.Store, executor *Executor, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:    q,
		store:    s,
		executor: executor,
		workers:  workers,
		sweep:    DefaultSweepInterval,
	}
}

// SetSweepInterval changes how often the running pool re-admits stranded
// QUEUED records. Zero or less disables the sweep. Call before Start.
func (p *Pool) SetSweepInterval(d time.Duration) {
	p.sweep = d
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// Recover puts persisted work back in the queue after a restart. Jobs left
// PROCESSING by a crash go back to QUEUED with their retry count untouched.
// Oldest jobs are enqueued first so FIFO order within a priority survives.
// Outcome events that never reached every sink are published again.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	interrupted, _, err := p.store.List(ctx, model.RenderListFilter{Status: model.JobStatusProcessing})
	if err != nil {
		return 0, fmt.Errorf("failed to list interrupted jobs: %w", err)
	}
	for _, job := range interrupted {
		if _, err := p.store.Update(ctx, job.ID, func(j *model.RenderJob) error {
			if j.Status != model.JobStatusProcessing {
				return nil
			}
			return j.TransitionTo(model.JobStatusQueued, time.Now())
		}); err != nil {
			return 0, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
		}
	}

	recovered, left, err := p.admitQueued(ctx)
	if err != nil {
		return recovered, err
	}
	if left > 0 {
		log.Printf("Queue full during recovery, %d jobs left QUEUED in store", left)
	}
	if recovered > 0 || len(interrupted) > 0 {
		log.Printf("Recovered %d queued jobs (%d interrupted)", recovered, len(interrupted))
	}

	if err := p.republishPending(ctx); err != nil {
		return recovered, err
	}
	return recovered, nil
}

// admitQueued enqueues QUEUED records the queue doesn't hold, oldest first,
// until the queue is full. It returns how many were admitted and how many
// are still waiting for room.
func (p *Pool) admitQueued(ctx context.Context) (admitted, left int, err error) {
	queued, _, err := p.store.List(ctx, model.RenderListFilter{Status: model.JobStatusQueued})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list queued jobs: %w", err)
	}

	for i := len(queued) - 1; i >= 0; i-- {
		job := queued[i]
		err := p.queue.Enqueue(queue.Entry{
			JobID:     job.ID,
			CaseID:    job.CaseID,
			Priority:  job.Priority,
			CreatedAt: job.CreatedAt,
		})
		var full *queue.QueueFullError
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, queue.ErrDuplicate):
		case errors.As(err, &full):
			return admitted, i + 1, nil
		default:
			return admitted, 0, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
		}
	}
	return admitted, 0, nil
}

// republishPending sends the outcome event of every terminal job whose
// pending marker was never cleared.
func (p *Pool) republishPending(ctx context.Context) error {
	republished := 0
	for _, status := range []model.JobStatus{model.JobStatusCompleted, model.JobStatusFailed} {
		jobs, _, err := p.store.List(ctx, model.RenderListFilter{Status: status})
		if err != nil {
			return fmt.Errorf("failed to list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			if job.PendingEvent != job.Status {
				continue
			}
			env, _ := events.Envelope(job)
			if err := p.publishOutcome(ctx, env); err != nil {
				return fmt.Errorf("failed to republish %s for job %s: %w", env.Type, job.ID, err)
			}
			republished++
		}
	}
	if republished > 0 {
		log.Printf("Republished %d undelivered outcome events", republished)
	}
	return nil
}

func (p *Pool) publishOutcome(ctx context.Context, env model.Envelope) error {
	switch ev := env.Payload.(type) {
	case model.RenderCompleted:
		return p.executor.Events.PublishCompleted(ctx, ev)
	case model.RenderFailed:
		return p.executor.Events.PublishFailed(ctx, ev)
	}
	return nil
}

// Start launches the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	if p.sweep > 0 {
		p.wg.Add(1)
		go p.sweepLoop(ctx)
	}
	log.Printf("Worker pool started with %d workers", p.workers)
}

// sweepLoop re-admits QUEUED records that found the queue full, or whose
// enqueue failed after the record was written.
func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		admitted, left, err := p.admitQueued(ctx)
		switch {
		case errors.Is(err, queue.ErrClosed) || ctx.Err() != nil:
			return
		case err != nil:
			log.Printf("Queue sweep failed: %v", err)
		case admitted > 0:
			log.Printf("Queue sweep admitted %d jobs (%d still waiting)", admitted, left)
		}
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
				log.Printf("Worker %d: dequeue failed: %v", id, err)
			}
			return
		}
		p.executor.Execute(ctx, lease)
	}
}

// Stop cancels running attempts and waits up to timeout for workers to
// hand their jobs back. It returns false if workers were still busy.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return true
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Worker pool stopped")
		return true
	case <-time.After(timeout):
		log.Printf("Worker pool did not stop within %s", timeout)
		return false
	}
}
