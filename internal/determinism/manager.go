// Package determinism fixes render seeds and checks render output against
// known-good checksums.
package determinism

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/renderer"
)

// ChecksumMismatchWarning records that a completed render did not match
// any accepted golden checksum. It never fails the job.
type ChecksumMismatchWarning struct {
	JobID    string
	Checksum string
	Expected []string
}

func (w *ChecksumMismatchWarning) Error() string {
	return fmt.Sprintf("checksum %s for job %s matches none of %d golden checksums",
		short(w.Checksum), w.JobID, len(w.Expected))
}

// Verification is the outcome of checking a completed render.
type Verification struct {
	Check   model.DeterminismCheck
	Warning *ChecksumMismatchWarning
}

// Manager assigns seeds and verifies output. The golden registry is optional.
type Manager struct {
	golden GoldenRegistry
}

func NewManager(golden GoldenRegistry) *Manager {
	return &Manager{golden: golden}
}

// DeriveSeed hashes the render inputs into a non-negative int63 seed.
func DeriveSeed(caseID, storyboardID, timelineID string) int64 {
	h := sha256.New()
	for _, part := range []string{caseID, storyboardID, timelineID} {
		// Length prefix keeps ("ab","c") and ("a","bc") apart.
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write([]byte(part))
	}
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) & (1<<63 - 1))
}

// AssignSeed fixes the seed of a deterministic job that has none. It
// reports whether the job changed. Non-deterministic jobs are left alone.
func (m *Manager) AssignSeed(job *model.RenderJob) bool {
	if !job.Deterministic || job.Seed != nil {
		return false
	}
	seed := DeriveSeed(job.CaseID, job.StoryboardID, job.TimelineID)
	job.Seed = &seed
	return true
}

// ExecutionSeed returns the seed a worker must render with. Deterministic
// jobs always carry one; others get a fresh random seed unless the caller
// supplied one.
func (m *Manager) ExecutionSeed(job *model.RenderJob) int64 {
	if job.Seed != nil {
		return *job.Seed
	}
	if job.Deterministic {
		return DeriveSeed(job.CaseID, job.StoryboardID, job.TimelineID)
	}
	return rand.Int64()
}

// ComputeChecksum hashes frame bytes in strict index order. Input order is
// irrelevant; gaps or duplicate indices are an error.
func ComputeChecksum(frames []renderer.Frame) (string, error) {
	ordered := make([]renderer.Frame, len(frames))
	copy(ordered, frames)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	h := sha256.New()
	for i, f := range ordered {
		if f.Index != i {
			if i > 0 && f.Index == ordered[i-1].Index {
				return "", fmt.Errorf("duplicate frame index %d", f.Index)
			}
			return "", fmt.Errorf("missing frame index %d", i)
		}
		h.Write(f.Data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyAgainstGolden compares checksum to the accepted goldens. An empty
// golden list means there is nothing to compare against.
func VerifyAgainstGolden(checksum string, goldens []string) model.DeterminismCheck {
	if len(goldens) == 0 {
		return model.DeterminismUnchecked
	}
	for _, g := range goldens {
		if strings.EqualFold(g, checksum) {
			return model.DeterminismPass
		}
	}
	return model.DeterminismMismatch
}

// Fingerprint identifies renders that must produce the same bytes: same
// inputs, seed, profile and output parameters.
func Fingerprint(job *model.RenderJob, seed int64) string {
	key := strings.Join([]string{
		job.CaseID, job.StoryboardID, job.TimelineID,
		strconv.FormatInt(seed, 10), string(job.Profile),
		strconv.Itoa(job.Width), strconv.Itoa(job.Height), strconv.Itoa(job.FPS),
		string(job.Quality), job.OutputFormat, strconv.Itoa(job.TotalFrames),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Verify checks a completed job's checksum against request goldens and the
// registry. The first deterministic completion of a fingerprint becomes its
// baseline. Registry errors are logged and degrade to request goldens only.
func (m *Manager) Verify(ctx context.Context, job *model.RenderJob, seed int64, checksum string) Verification {
	goldens := append([]string(nil), job.GoldenFrameChecksums...)

	if job.Deterministic && m.golden != nil {
		fp := Fingerprint(job, seed)
		baseline, found, err := m.golden.Get(ctx, fp)
		switch {
		case err != nil:
			log.Printf("Golden registry lookup failed for job %s: %v", job.ID, err)
		case found:
			goldens = append(goldens, baseline)
		case len(goldens) == 0:
			recorded, err := m.golden.Record(ctx, fp, checksum)
			if err != nil {
				log.Printf("Failed to record golden baseline for job %s: %v", job.ID, err)
				break
			}
			if recorded == checksum {
				return Verification{Check: model.DeterminismBaseline}
			}
			// Another worker recorded first.
			goldens = append(goldens, recorded)
		case VerifyAgainstGolden(checksum, goldens) == model.DeterminismPass:
			// Only an accepted checksum may seed the registry.
			if _, err := m.golden.Record(ctx, fp, checksum); err != nil {
				log.Printf("Failed to record golden baseline for job %s: %v", job.ID, err)
			}
		}
	}

	check := VerifyAgainstGolden(checksum, goldens)
	if check != model.DeterminismMismatch {
		return Verification{Check: check}
	}
	return Verification{
		Check: check,
		Warning: &ChecksumMismatchWarning{
			JobID:    job.ID,
			Checksum: checksum,
			Expected: goldens,
		},
	}
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
