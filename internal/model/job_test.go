package model

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusQueued, JobStatusProcessing, true},
		{JobStatusQueued, JobStatusCancelled, true},
		{JobStatusQueued, JobStatusCompleted, false},
		{JobStatusProcessing, JobStatusQueued, true},
		{JobStatusProcessing, JobStatusCompleted, true},
		{JobStatusProcessing, JobStatusFailed, true},
		{JobStatusProcessing, JobStatusCancelled, true},
		{JobStatusFailed, JobStatusQueued, true},
		{JobStatusFailed, JobStatusProcessing, false},
		{JobStatusCompleted, JobStatusQueued, false},
		{JobStatusCancelled, JobStatusQueued, false},
		{JobStatusCompleted, JobStatusFailed, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	job := &RenderJob{ID: "j1", Status: JobStatusQueued}

	if err := job.TransitionTo(JobStatusProcessing, start); err != nil {
		t.Fatalf("to PROCESSING: %v", err)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(start) {
		t.Fatalf("expected started_at %s, got %v", start, job.StartedAt)
	}

	job.Checksum = "abc"
	end := start.Add(90 * time.Second)
	if err := job.TransitionTo(JobStatusCompleted, end); err != nil {
		t.Fatalf("to COMPLETED: %v", err)
	}
	if job.CompletedAt == nil || !job.CompletedAt.Equal(end) {
		t.Fatalf("expected completed_at %s, got %v", end, job.CompletedAt)
	}
	if job.RenderTimeSeconds != 90 {
		t.Errorf("expected 90s render time, got %v", job.RenderTimeSeconds)
	}
	if job.Checksum != "abc" {
		t.Error("checksum must survive the transition to COMPLETED")
	}

	if err := job.TransitionTo(JobStatusQueued, end); err == nil {
		t.Fatal("expected COMPLETED -> QUEUED to be rejected")
	}
}

func TestTransitionClearsChecksumOutsideCompleted(t *testing.T) {
	job := &RenderJob{ID: "j1", Status: JobStatusProcessing, Checksum: "stale"}
	if err := job.TransitionTo(JobStatusFailed, time.Now()); err != nil {
		t.Fatalf("to FAILED: %v", err)
	}
	if job.Checksum != "" {
		t.Errorf("expected checksum cleared, got %q", job.Checksum)
	}
}

func TestApplyProgressMonotonic(t *testing.T) {
	job := &RenderJob{Status: JobStatusProcessing, TotalFrames: 100}

	reports := []int{10, 30, 20, 30, 25, 50}
	for _, r := range reports {
		job.ApplyProgress(r)
	}
	if job.FramesRendered != 50 {
		t.Fatalf("expected 50 frames, got %d", job.FramesRendered)
	}
	if job.ProgressPercentage != 50 {
		t.Errorf("expected 50%%, got %v", job.ProgressPercentage)
	}

	if job.ApplyProgress(500) != true || job.FramesRendered != 100 {
		t.Errorf("expected clamp to 100 frames, got %d", job.FramesRendered)
	}
}

func TestApplyProgressIgnoredOutsideProcessing(t *testing.T) {
	job := &RenderJob{Status: JobStatusQueued, TotalFrames: 10}
	if job.ApplyProgress(5) {
		t.Fatal("progress must be ignored while QUEUED")
	}
	if job.FramesRendered != 0 {
		t.Errorf("expected 0 frames, got %d", job.FramesRendered)
	}
}

func TestCloneIsDeep(t *testing.T) {
	seed := int64(7)
	job := &RenderJob{Seed: &seed, Warnings: []string{"w"}, GoldenFrameChecksums: []string{"g"}}
	c := job.Clone()

	*c.Seed = 9
	c.Warnings[0] = "changed"
	c.GoldenFrameChecksums[0] = "changed"

	if *job.Seed != 7 || job.Warnings[0] != "w" || job.GoldenFrameChecksums[0] != "g" {
		t.Fatal("clone shares memory with original")
	}
}
