package determinism

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/renderer"
)

func newJob() *model.RenderJob {
	return &model.RenderJob{
		ID:            "job-1",
		CaseID:        "case-1",
		StoryboardID:  "sb-1",
		TimelineID:    "tl-1",
		Deterministic: true,
		Profile:       model.ProfileNeutral,
		Width:         1920,
		Height:        1080,
		FPS:           30,
		TotalFrames:   10,
	}
}

func TestDeriveSeedStable(t *testing.T) {
	a := DeriveSeed("case", "sb", "tl")
	b := DeriveSeed("case", "sb", "tl")
	if a != b {
		t.Fatalf("expected stable seed, got %d and %d", a, b)
	}
	if a < 0 {
		t.Fatalf("seed must be non-negative, got %d", a)
	}
	if DeriveSeed("ca", "sesb", "tl") == a {
		t.Fatal("shifted boundaries must not collide")
	}
}

func TestAssignSeed(t *testing.T) {
	m := NewManager(nil)

	job := newJob()
	if !m.AssignSeed(job) || job.Seed == nil {
		t.Fatal("expected derived seed on deterministic job")
	}
	if *job.Seed != DeriveSeed("case-1", "sb-1", "tl-1") {
		t.Errorf("unexpected derived seed %d", *job.Seed)
	}

	explicit := int64(42)
	job = newJob()
	job.Seed = &explicit
	if m.AssignSeed(job) || *job.Seed != 42 {
		t.Fatal("explicit seed must pass through unchanged")
	}

	job = newJob()
	job.Deterministic = false
	if m.AssignSeed(job) || job.Seed != nil {
		t.Fatal("non-deterministic job must not get a fixed seed")
	}
}

func TestComputeChecksumOrderIndependent(t *testing.T) {
	frames := []renderer.Frame{
		{Index: 2, Data: []byte("c")},
		{Index: 0, Data: []byte("a")},
		{Index: 1, Data: []byte("b")},
	}

	got, err := ComputeChecksum(frames)
	if err != nil {
		t.Fatalf("ComputeChecksum: %v", err)
	}
	sum := sha256.Sum256([]byte("abc"))
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if frames[0].Index != 2 {
		t.Error("input slice must not be reordered")
	}
}

func TestComputeChecksumRejectsGaps(t *testing.T) {
	tests := map[string][]renderer.Frame{
		"duplicate": {{Index: 0}, {Index: 0}},
		"missing":   {{Index: 0}, {Index: 2}},
		"offset":    {{Index: 1}},
	}
	for name, frames := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ComputeChecksum(frames); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestVerifyAgainstGolden(t *testing.T) {
	if got := VerifyAgainstGolden("abc", nil); got != model.DeterminismUnchecked {
		t.Errorf("expected unchecked, got %q", got)
	}
	if got := VerifyAgainstGolden("abc", []string{"zzz", "ABC"}); got != model.DeterminismPass {
		t.Errorf("expected PASS, got %q", got)
	}
	if got := VerifyAgainstGolden("abc", []string{"zzz"}); got != model.DeterminismMismatch {
		t.Errorf("expected MISMATCH, got %q", got)
	}
}

func TestVerifyRecordsBaselineThenCompares(t *testing.T) {
	m := NewManager(NewMemoryGoldenRegistry())
	ctx := context.Background()
	job := newJob()

	first := m.Verify(ctx, job, 42, "sum-1")
	if first.Check != model.DeterminismBaseline {
		t.Fatalf("expected BASELINE, got %q", first.Check)
	}

	second := m.Verify(ctx, job, 42, "sum-1")
	if second.Check != model.DeterminismPass || second.Warning != nil {
		t.Fatalf("expected PASS, got %+v", second)
	}

	third := m.Verify(ctx, job, 42, "sum-2")
	if third.Check != model.DeterminismMismatch || third.Warning == nil {
		t.Fatalf("expected MISMATCH warning, got %+v", third)
	}

	// A different seed is a different fingerprint.
	other := m.Verify(ctx, job, 7, "sum-2")
	if other.Check != model.DeterminismBaseline {
		t.Fatalf("expected new baseline for other seed, got %q", other.Check)
	}
}

func TestVerifyMismatchDoesNotSeedRegistry(t *testing.T) {
	registry := NewMemoryGoldenRegistry()
	m := NewManager(registry)
	job := newJob()
	job.GoldenFrameChecksums = []string{"expected"}

	v := m.Verify(context.Background(), job, 1, "actual")
	if v.Check != model.DeterminismMismatch {
		t.Fatalf("expected MISMATCH, got %q", v.Check)
	}
	if _, found, _ := registry.Get(context.Background(), Fingerprint(job, 1)); found {
		t.Fatal("mismatching checksum must not become a baseline")
	}
}

func TestVerifyNonDeterministicSkipsRegistry(t *testing.T) {
	m := NewManager(NewMemoryGoldenRegistry())
	job := newJob()
	job.Deterministic = false

	if v := m.Verify(context.Background(), job, 1, "sum"); v.Check != model.DeterminismUnchecked {
		t.Fatalf("expected unchecked, got %q", v.Check)
	}
}

func TestRedisGoldenRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	registry := NewRedisGoldenRegistry(client)
	ctx := context.Background()

	if _, found, err := registry.Get(ctx, "fp"); err != nil || found {
		t.Fatalf("expected empty registry, got found=%v err=%v", found, err)
	}

	got, err := registry.Record(ctx, "fp", "first")
	if err != nil || got != "first" {
		t.Fatalf("expected first recorded, got %q, %v", got, err)
	}
	got, err = registry.Record(ctx, "fp", "second")
	if err != nil || got != "first" {
		t.Fatalf("expected existing baseline kept, got %q, %v", got, err)
	}

	v, found, err := registry.Get(ctx, "fp")
	if err != nil || !found || v != "first" {
		t.Fatalf("expected first, got %q found=%v err=%v", v, found, err)
	}
}
