package renderer

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/legalsim/render-orchestrator/internal/model"
)

const simulatedFramePayload = 64

// SimulatedRenderer produces synthetic frames from a seeded PCG stream. It
// stands in for a real renderer in development and tests while keeping the
// byte-for-byte reproducibility contract.
type SimulatedRenderer struct {
	frameDelay time.Duration
}

// NewSimulatedRenderer creates a renderer that waits frameDelay per frame.
func NewSimulatedRenderer(frameDelay time.Duration) *SimulatedRenderer {
	return &SimulatedRenderer{frameDelay: frameDelay}
}

func (r *SimulatedRenderer) Name() string { return "simulated" }

// Render implements Renderer.
func (r *SimulatedRenderer) Render(ctx context.Context, scene Scene, seed int64, profile model.Profile, obs FrameObserver) ([]Frame, error) {
	if scene.TotalFrames <= 0 {
		return nil, Permanent(KindScene, fmt.Errorf("scene %s has no frames", scene.TimelineID))
	}
	if !profile.Valid() {
		return nil, Permanent(KindPolicy, fmt.Errorf("unknown profile %q", profile))
	}

	frames := make([]Frame, 0, scene.TotalFrames)
	for i := 0; i < scene.TotalFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, FromContext(err)
		}
		if r.frameDelay > 0 {
			timer := time.NewTimer(r.frameDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, FromContext(ctx.Err())
			case <-timer.C:
			}
		}

		frames = append(frames, Frame{Index: i, Data: synthesizeFrame(scene, seed, profile, i)})

		if obs != nil {
			if err := obs.FrameRendered(i, len(frames)); err != nil {
				return nil, err
			}
		}
	}
	return frames, nil
}

func synthesizeFrame(scene Scene, seed int64, profile model.Profile, index int) []byte {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(index)))

	buf := make([]byte, 16, 16+simulatedFramePayload)
	binary.BigEndian.PutUint32(buf[0:4], uint32(index))
	binary.BigEndian.PutUint32(buf[4:8], uint32(scene.Width))
	binary.BigEndian.PutUint32(buf[8:12], uint32(scene.Height))
	if profile == model.ProfileCinematic {
		buf[12] = 1
	}
	buf[13] = byte(scene.FPS)

	for len(buf) < cap(buf) {
		buf = binary.BigEndian.AppendUint64(buf, rng.Uint64())
	}
	return buf
}
