// Package queue implements the in-process render queue: a priority heap
// with admission control and per-case single flight. A case is owned by at
// most one job at a time, from the moment that job is dequeued until it
// reaches a terminal state, so two renders of the same case never overlap.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed    = errors.New("render queue closed")
	ErrDuplicate = errors.New("job already queued")
)

// QueueFullError is returned when admission would exceed capacity.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("render queue is full (capacity %d)", e.Capacity)
}

// CancelResult tells the caller what Cancel did.
type CancelResult int

const (
	CancelNotFound CancelResult = iota
	// CancelRemoved means the job was waiting (or backing off) and is gone.
	CancelRemoved
	// CancelSignalled means the job is leased; its executor must stop.
	CancelSignalled
)

func (r CancelResult) String() string {
	switch r {
	case CancelRemoved:
		return "removed"
	case CancelSignalled:
		return "signalled"
	default:
		return "not_found"
	}
}

// Lease is handed to the worker that dequeued a job.
type Lease struct {
	Entry
	cancelled atomic.Bool
}

// Cancelled reports whether a cancel was requested while the job was leased.
func (l *Lease) Cancelled() bool {
	return l.cancelled.Load()
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Waiting   int
	Delayed   int
	InFlight  int
	BusyCases int
	Reserved  int
	Capacity  int
}

type delayedEntry struct {
	entry Entry
	timer *time.Timer
}

// Options configures a Queue.
type Options struct {
	// Capacity bounds waiting + delayed + reserved entries.
	Capacity int
	// ScanLimit bounds how many heap entries Dequeue inspects looking for a
	// job whose case is free. Zero means unbounded.
	ScanLimit int
}

// Queue is safe for concurrent use. Its mutex covers bookkeeping only.
type Queue struct {
	mu        sync.Mutex
	items     entryHeap
	waiting   map[string]*item
	delayed   map[string]*delayedEntry
	leases    map[string]*Lease
	owners    map[string]string // case id -> job id holding it
	reserved  int
	capacity  int
	scanLimit int
	seq       uint64
	wake      chan struct{}
	closed    bool
}

// New creates an empty queue.
func New(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	return &Queue{
		waiting:   make(map[string]*item),
		delayed:   make(map[string]*delayedEntry),
		leases:    make(map[string]*Lease),
		owners:    make(map[string]string),
		capacity:  opts.Capacity,
		scanLimit: opts.ScanLimit,
		wake:      make(chan struct{}),
	}
}

// Reservation is an admitted-but-not-yet-inserted slot.
type Reservation struct {
	q    *Queue
	done bool
}

// Reserve claims capacity for one job. Callers persist the job and then
// Commit, or Release on failure.
func (q *Queue) Reserve() (*Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if q.pendingLocked()+q.reserved >= q.capacity {
		return nil, &QueueFullError{Capacity: q.capacity}
	}
	q.reserved++
	return &Reservation{q: q}, nil
}

// Commit inserts the entry into the heap using the reserved slot.
func (r *Reservation) Commit(e Entry) error {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if r.done {
		return errors.New("reservation already used")
	}
	r.done = true
	q.reserved--
	if q.closed {
		return ErrClosed
	}
	if q.knownLocked(e.JobID) {
		return ErrDuplicate
	}
	q.pushLocked(e)
	return nil
}

// Release returns an unused slot. It is a no-op after Commit.
func (r *Reservation) Release() {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	q.reserved--
}

// Enqueue admits and inserts e in one step.
func (q *Queue) Enqueue(e Entry) error {
	res, err := q.Reserve()
	if err != nil {
		return err
	}
	return res.Commit(e)
}

// Dequeue blocks until a job whose case is free is available, then leases
// it. Higher priority wins among eligible entries; entries skipped because
// their case is busy keep their place.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if lease := q.takeEligibleLocked(); lease != nil {
			q.mu.Unlock()
			return lease, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// TryDequeue is the non-blocking form of Dequeue.
func (q *Queue) TryDequeue() (*Lease, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false
	}
	lease := q.takeEligibleLocked()
	return lease, lease != nil
}

// Release ends a lease whose job reached a terminal state and frees its case.
func (q *Queue) Release(l *Lease) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cur, ok := q.leases[l.JobID]; ok && cur == l {
		delete(q.leases, l.JobID)
	}
	if q.owners[l.CaseID] == l.JobID {
		delete(q.owners, l.CaseID)
	}
	q.signalLocked()
}

// Requeue ends a lease for a job that will run again after delay. The job
// keeps ownership of its case while it waits. Capacity is not checked since
// the job was already admitted.
func (q *Queue) Requeue(l *Lease, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cur, ok := q.leases[l.JobID]; ok && cur == l {
		delete(q.leases, l.JobID)
	}
	if q.closed {
		return ErrClosed
	}
	if l.Cancelled() {
		// Cancel arrived between the failure and the requeue.
		if q.owners[l.CaseID] == l.JobID {
			delete(q.owners, l.CaseID)
		}
		q.signalLocked()
		return context.Canceled
	}
	q.owners[l.CaseID] = l.JobID
	q.scheduleLocked(l.Entry, delay)
	return nil
}

// Cancel removes a waiting or delayed job, or flags a leased one.
func (q *Queue) Cancel(jobID string) CancelResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.waiting[jobID]; ok {
		heap.Remove(&q.items, it.index)
		delete(q.waiting, jobID)
		q.disownLocked(it.entry)
		q.signalLocked()
		return CancelRemoved
	}
	if d, ok := q.delayed[jobID]; ok {
		d.timer.Stop()
		delete(q.delayed, jobID)
		q.disownLocked(d.entry)
		q.signalLocked()
		return CancelRemoved
	}
	if l, ok := q.leases[jobID]; ok {
		l.cancelled.Store(true)
		return CancelSignalled
	}
	return CancelNotFound
}

// Contains reports whether the queue tracks jobID in any state.
func (q *Queue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.knownLocked(jobID)
}

// Stats returns current queue figures.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Waiting:   len(q.items),
		Delayed:   len(q.delayed),
		InFlight:  len(q.leases),
		BusyCases: len(q.owners),
		Reserved:  q.reserved,
		Capacity:  q.capacity,
	}
}

// Close stops delayed timers and wakes every blocked Dequeue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for id, d := range q.delayed {
		d.timer.Stop()
		delete(q.delayed, id)
	}
	q.signalLocked()
}

func (q *Queue) takeEligibleLocked() *Lease {
	limit := q.scanLimit
	if limit <= 0 || limit > len(q.items) {
		limit = len(q.items)
	}

	var skipped []*item
	var found *item
	for i := 0; i < limit; i++ {
		it := heap.Pop(&q.items).(*item)
		owner, busy := q.owners[it.entry.CaseID]
		if !busy || owner == it.entry.JobID {
			found = it
			break
		}
		skipped = append(skipped, it)
	}
	for _, it := range skipped {
		heap.Push(&q.items, it)
	}
	if found == nil {
		return nil
	}

	delete(q.waiting, found.entry.JobID)
	q.owners[found.entry.CaseID] = found.entry.JobID
	lease := &Lease{Entry: found.entry}
	q.leases[found.entry.JobID] = lease
	return lease
}

func (q *Queue) scheduleLocked(e Entry, delay time.Duration) {
	if delay <= 0 {
		q.pushLocked(e)
		return
	}
	d := &delayedEntry{entry: e}
	d.timer = time.AfterFunc(delay, func() { q.promote(e.JobID, d) })
	q.delayed[e.JobID] = d
}

func (q *Queue) promote(jobID string, d *delayedEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cur, ok := q.delayed[jobID]; !ok || cur != d || q.closed {
		return
	}
	delete(q.delayed, jobID)
	q.pushLocked(d.entry)
}

func (q *Queue) pushLocked(e Entry) {
	q.seq++
	it := &item{entry: e, seq: q.seq}
	heap.Push(&q.items, it)
	q.waiting[e.JobID] = it
	q.signalLocked()
}

func (q *Queue) disownLocked(e Entry) {
	if q.owners[e.CaseID] == e.JobID {
		delete(q.owners, e.CaseID)
	}
}

func (q *Queue) knownLocked(jobID string) bool {
	if _, ok := q.waiting[jobID]; ok {
		return true
	}
	if _, ok := q.delayed[jobID]; ok {
		return true
	}
	_, ok := q.leases[jobID]
	return ok
}

func (q *Queue) pendingLocked() int {
	return len(q.items) + len(q.delayed)
}

// signalLocked wakes every goroutine parked in Dequeue.
func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
