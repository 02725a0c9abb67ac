// Package events delivers render outcome notifications to the event bus.
// Delivery is at-least-once: a sink is retried until it accepts an event or
// the dispatcher shuts down, and jobs keep a pending marker until every sink
// has acknowledged, so recovery can publish again. Consumers dedupe on
// (job_id, status).
package events

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/legalsim/render-orchestrator/internal/model"
)

// Sink is one destination for events.
type Sink interface {
	Name() string
	Publish(ctx context.Context, env model.Envelope) error
}

// Publisher is what the worker pool emits outcomes through.
type Publisher interface {
	PublishCompleted(ctx context.Context, ev model.RenderCompleted) error
	PublishFailed(ctx context.Context, ev model.RenderFailed) error
}

// ErrStopped is returned when publishing after Stop.
var ErrStopped = errors.New("event dispatcher stopped")

// Options tunes delivery. OnDelivered, when set, is called once every sink
// has accepted an envelope.
type Options struct {
	Buffer      int
	RetryBase   time.Duration
	RetryMax    time.Duration
	OnDelivered func(env model.Envelope)
}

type delivery struct {
	env     model.Envelope
	pending atomic.Int32
}

type sinkWorker struct {
	sink  Sink
	queue chan *delivery
}

// Dispatcher fans events out to sinks, one goroutine and outbox per sink so
// a failing sink never delays the others.
type Dispatcher struct {
	workers []*sinkWorker
	opts    Options

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before publishing.
func NewDispatcher(opts Options, sinks ...Sink) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.RetryMax < opts.RetryBase {
		opts.RetryMax = opts.RetryBase
	}

	d := &Dispatcher{opts: opts}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		d.workers = append(d.workers, &sinkWorker{sink: s, queue: make(chan *delivery, opts.Buffer)})
	}
	return d
}

// Start launches the per-sink delivery loops.
func (d *Dispatcher) Start() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for _, w := range d.workers {
		d.wg.Add(1)
		go d.run(w)
	}
}

// Stop stops accepting events and waits up to timeout for outboxes to drain.
// Anything still undelivered after that is logged and dropped.
func (d *Dispatcher) Stop(timeout time.Duration) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, w := range d.workers {
		close(w.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("Event dispatcher stop timed out after %s", timeout)
		if d.cancel != nil {
			d.cancel()
		}
		<-done
	}
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) PublishCompleted(ctx context.Context, ev model.RenderCompleted) error {
	return d.Publish(ctx, model.NewCompletedEnvelope(ev))
}

func (d *Dispatcher) PublishFailed(ctx context.Context, ev model.RenderFailed) error {
	return d.Publish(ctx, model.NewFailedEnvelope(ev))
}

// Publish queues env on every sink's outbox.
func (d *Dispatcher) Publish(ctx context.Context, env model.Envelope) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrStopped
	}
	if len(d.workers) == 0 {
		d.acknowledge(env)
		return nil
	}

	dl := &delivery{env: env}
	dl.pending.Store(int32(len(d.workers)))
	for _, w := range d.workers {
		select {
		case w.queue <- dl:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) run(w *sinkWorker) {
	defer d.wg.Done()
	for dl := range w.queue {
		if d.deliver(w.sink, dl.env) && dl.pending.Add(-1) == 0 {
			d.acknowledge(dl.env)
		}
	}
}

func (d *Dispatcher) acknowledge(env model.Envelope) {
	if d.opts.OnDelivered != nil {
		d.opts.OnDelivered(env)
	}
}

// deliver retries s until it accepts env. It returns false if the
// dispatcher stopped first.
func (d *Dispatcher) deliver(s Sink, env model.Envelope) bool {
	delay := d.opts.RetryBase
	for attempt := 1; ; attempt++ {
		err := s.Publish(d.ctx, env)
		if err == nil {
			return true
		}
		log.Printf("Failed to publish %s for job %s to %s (attempt %d): %v",
			env.Type, env.JobID, s.Name(), attempt, err)

		select {
		case <-d.ctx.Done():
			log.Printf("Dropping %s for job %s on %s: dispatcher stopped", env.Type, env.JobID, s.Name())
			return false
		case <-time.After(delay):
		}
		if delay *= 2; delay > d.opts.RetryMax {
			delay = d.opts.RetryMax
		}
	}
}
