package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func entry(jobID, caseID string, priority int, created time.Time) Entry {
	return Entry{JobID: jobID, CaseID: caseID, Priority: priority, CreatedAt: created}
}

func mustDequeue(t *testing.T, q *Queue) *Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return lease
}

func TestDequeueHigherPriorityFirst(t *testing.T) {
	q := New(Options{Capacity: 10})
	now := time.Now()

	if err := q.Enqueue(entry("A", "case-a", 5, now)); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	if err := q.Enqueue(entry("B", "case-b", 10, now.Add(time.Millisecond))); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}

	if got := mustDequeue(t, q).JobID; got != "B" {
		t.Fatalf("expected B first, got %s", got)
	}
	if got := mustDequeue(t, q).JobID; got != "A" {
		t.Fatalf("expected A second, got %s", got)
	}
}

func TestDequeueEqualPriorityByArrival(t *testing.T) {
	q := New(Options{Capacity: 10})
	base := time.Now()

	for i, id := range []string{"first", "second", "third"} {
		if err := q.Enqueue(entry(id, "case-"+id, 1, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		if got := mustDequeue(t, q).JobID; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestDequeueSkipsBusyCase(t *testing.T) {
	q := New(Options{Capacity: 10})
	now := time.Now()

	_ = q.Enqueue(entry("j1", "case-1", 10, now))
	_ = q.Enqueue(entry("j2", "case-1", 9, now.Add(time.Second)))
	_ = q.Enqueue(entry("j3", "case-2", 1, now.Add(2*time.Second)))

	first := mustDequeue(t, q)
	if first.JobID != "j1" {
		t.Fatalf("expected j1, got %s", first.JobID)
	}

	// j2 has the higher priority but its case is busy.
	second := mustDequeue(t, q)
	if second.JobID != "j3" {
		t.Fatalf("expected j3 while case-1 is busy, got %s", second.JobID)
	}

	if _, ok := q.TryDequeue(); ok {
		t.Fatal("expected nothing eligible while case-1 is busy")
	}

	q.Release(first)
	if got := mustDequeue(t, q).JobID; got != "j2" {
		t.Fatalf("expected j2 after release, got %s", got)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := New(Options{Capacity: 2})
	now := time.Now()

	_ = q.Enqueue(entry("a", "c1", 0, now))
	res, err := q.Reserve()
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	err = q.Enqueue(entry("b", "c2", 0, now))
	var full *QueueFullError
	if !errors.As(err, &full) {
		t.Fatalf("expected QueueFullError, got %v", err)
	}
	if full.Capacity != 2 {
		t.Errorf("expected capacity 2, got %d", full.Capacity)
	}

	res.Release()
	if err := q.Enqueue(entry("b", "c2", 0, now)); err != nil {
		t.Fatalf("expected slot after release, got %v", err)
	}
}

func TestEnqueueRejectsDuplicate(t *testing.T) {
	q := New(Options{Capacity: 5})
	_ = q.Enqueue(entry("a", "c1", 0, time.Now()))
	if err := q.Enqueue(entry("a", "c1", 0, time.Now())); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestCancelWaitingRemoves(t *testing.T) {
	q := New(Options{Capacity: 5})
	_ = q.Enqueue(entry("a", "c1", 0, time.Now()))

	if got := q.Cancel("a"); got != CancelRemoved {
		t.Fatalf("expected removed, got %s", got)
	}
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("cancelled job must never be dispatched")
	}
	if got := q.Cancel("a"); got != CancelNotFound {
		t.Fatalf("expected not_found on second cancel, got %s", got)
	}
}

func TestCancelLeasedSignals(t *testing.T) {
	q := New(Options{Capacity: 5})
	_ = q.Enqueue(entry("a", "c1", 0, time.Now()))
	lease := mustDequeue(t, q)

	if got := q.Cancel("a"); got != CancelSignalled {
		t.Fatalf("expected signalled, got %s", got)
	}
	if !lease.Cancelled() {
		t.Fatal("expected lease to observe cancel flag")
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(Options{Capacity: 5})
	got := make(chan string, 1)

	go func() {
		lease, err := q.Dequeue(context.Background())
		if err == nil {
			got <- lease.JobID
		}
	}()

	select {
	case id := <-got:
		t.Fatalf("dequeue returned %s from an empty queue", id)
	case <-time.After(50 * time.Millisecond):
	}

	_ = q.Enqueue(entry("late", "c1", 0, time.Now()))

	select {
	case id := <-got:
		if id != "late" {
			t.Fatalf("expected late, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue was not woken by enqueue")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	q := New(Options{Capacity: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRequeueKeepsCaseOwnership(t *testing.T) {
	q := New(Options{Capacity: 5})
	now := time.Now()
	_ = q.Enqueue(entry("retry-me", "c1", 0, now))
	_ = q.Enqueue(entry("next", "c1", 100, now.Add(time.Second)))

	lease := mustDequeue(t, q)
	if lease.JobID != "next" {
		t.Fatalf("expected next, got %s", lease.JobID)
	}
	q.Release(lease)

	lease = mustDequeue(t, q)
	if lease.JobID != "retry-me" {
		t.Fatalf("expected retry-me, got %s", lease.JobID)
	}
	_ = q.Enqueue(entry("waiter", "c1", 50, now.Add(2*time.Second)))

	if err := q.Requeue(lease, 30*time.Millisecond); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("waiter must not run while retry-me owns the case")
	}
	if st := q.Stats(); st.Delayed != 1 || st.BusyCases != 1 {
		t.Fatalf("unexpected stats during backoff: %+v", st)
	}

	again := mustDequeue(t, q)
	if again.JobID != "retry-me" {
		t.Fatalf("expected retry-me after backoff, got %s", again.JobID)
	}
	q.Release(again)

	if got := mustDequeue(t, q).JobID; got != "waiter" {
		t.Fatalf("expected waiter last, got %s", got)
	}
}

func TestCancelDelayedReleasesCase(t *testing.T) {
	q := New(Options{Capacity: 5})
	_ = q.Enqueue(entry("a", "c1", 0, time.Now()))
	lease := mustDequeue(t, q)
	_ = q.Requeue(lease, time.Hour)
	_ = q.Enqueue(entry("b", "c1", 0, time.Now()))

	if got := q.Cancel("a"); got != CancelRemoved {
		t.Fatalf("expected removed, got %s", got)
	}
	if got := mustDequeue(t, q).JobID; got != "b" {
		t.Fatalf("expected b once a is cancelled, got %s", got)
	}
}

func TestRequeueAfterCancelFlag(t *testing.T) {
	q := New(Options{Capacity: 5})
	_ = q.Enqueue(entry("a", "c1", 0, time.Now()))
	lease := mustDequeue(t, q)
	q.Cancel("a")

	if err := q.Requeue(lease, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if q.Contains("a") {
		t.Fatal("cancelled job must not be requeued")
	}
}

func TestScanLimitBoundsSearch(t *testing.T) {
	q := New(Options{Capacity: 10, ScanLimit: 1})
	now := time.Now()
	_ = q.Enqueue(entry("busy-1", "c1", 10, now))
	_ = q.Enqueue(entry("busy-2", "c1", 9, now))
	_ = q.Enqueue(entry("free", "c2", 1, now))

	first := mustDequeue(t, q)
	if first.JobID != "busy-1" {
		t.Fatalf("expected busy-1, got %s", first.JobID)
	}
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("scan limit of 1 should stop at the blocked head")
	}
	q.Release(first)
	if got := mustDequeue(t, q).JobID; got != "busy-2" {
		t.Fatalf("expected busy-2, got %s", got)
	}
}

func TestCloseWakesDequeue(t *testing.T) {
	q := New(Options{Capacity: 1})
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not wake dequeue")
	}
}
