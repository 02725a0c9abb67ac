package renderer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/legalsim/render-orchestrator/internal/model"
)

var qualitySamples = map[model.Quality]int{
	model.QualityDraft:    16,
	model.QualityStandard: 64,
	model.QualityHigh:     128,
	model.QualityUltra:    512,
}

// BlenderRenderer drives a local Blender binary in background mode, one
// process per frame so progress and cancellation happen at frame boundaries.
type BlenderRenderer struct {
	binary   string
	sceneDir string
	workDir  string
}

// NewBlenderRenderer creates a Blender backend. Scenes are looked up as
// <sceneDir>/<timeline_id>.blend.
func NewBlenderRenderer(binary, sceneDir, workDir string) *BlenderRenderer {
	return &BlenderRenderer{binary: binary, sceneDir: sceneDir, workDir: workDir}
}

func (r *BlenderRenderer) Name() string { return "blender" }

// Render implements Renderer.
func (r *BlenderRenderer) Render(ctx context.Context, scene Scene, seed int64, profile model.Profile, obs FrameObserver) ([]Frame, error) {
	if scene.TotalFrames <= 0 {
		return nil, Permanent(KindScene, fmt.Errorf("scene %s has no frames", scene.TimelineID))
	}
	if _, err := exec.LookPath(r.binary); err != nil {
		return nil, Permanent(KindConfig, fmt.Errorf("blender not found at %s: %w", r.binary, err))
	}

	scenePath := filepath.Join(r.sceneDir, filepath.Base(scene.TimelineID)+".blend")
	if _, err := os.Stat(scenePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Permanent(KindAsset, fmt.Errorf("scene file %s missing", scenePath))
		}
		return nil, Transient(KindStorage, fmt.Errorf("failed to stat scene: %w", err))
	}

	if err := os.MkdirAll(r.workDir, 0o755); err != nil {
		return nil, Transient(KindStorage, fmt.Errorf("failed to create work dir: %w", err))
	}
	workspace, err := os.MkdirTemp(r.workDir, "job-"+scene.JobID+"-")
	if err != nil {
		return nil, Transient(KindStorage, fmt.Errorf("failed to create workspace: %w", err))
	}
	defer os.RemoveAll(workspace)

	frames := make([]Frame, 0, scene.TotalFrames)
	for i := 0; i < scene.TotalFrames; i++ {
		data, err := r.renderFrame(ctx, scenePath, workspace, scene, seed, profile, i)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Index: i, Data: data})

		if obs != nil {
			if err := obs.FrameRendered(i, len(frames)); err != nil {
				return nil, err
			}
		}
	}
	return frames, nil
}

func (r *BlenderRenderer) renderFrame(ctx context.Context, scenePath, workspace string, scene Scene, seed int64, profile model.Profile, index int) ([]byte, error) {
	// Blender frame numbers start at 1.
	frameNo := index + 1
	outPattern := filepath.Join(workspace, "frame_#####")
	outFile := filepath.Join(workspace, fmt.Sprintf("frame_%05d.png", frameNo))

	cmd := exec.CommandContext(ctx, r.binary,
		"-b", scenePath,
		"-noaudio",
		"-E", "CYCLES",
		"--python-expr", setupExpr(scene, seed, profile),
		"-o", outPattern,
		"-F", "PNG",
		"-x", "1",
		"-f", fmt.Sprint(frameNo),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, FromContext(ctxErr)
		}
		return nil, Transient(KindResource, fmt.Errorf("blender frame %d failed: %w: %s", frameNo, err, tail(stderr.Bytes(), 512)))
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		return nil, Permanent(KindScene, fmt.Errorf("blender produced no output for frame %d: %w", frameNo, err))
	}
	return data, nil
}

// setupExpr pins every setting that affects pixels so reruns are identical.
func setupExpr(scene Scene, seed int64, profile model.Profile) string {
	samples, ok := qualitySamples[scene.Quality]
	if !ok {
		samples = qualitySamples[model.QualityStandard]
	}
	look := "None"
	if profile == model.ProfileCinematic {
		look = "AgX - High Contrast"
	}
	return fmt.Sprintf(
		"import bpy; s=bpy.context.scene; "+
			"s.cycles.seed=%d; s.cycles.use_animated_seed=False; s.cycles.samples=%d; "+
			"s.cycles.use_adaptive_sampling=False; "+
			"s.render.resolution_x=%d; s.render.resolution_y=%d; s.render.resolution_percentage=100; "+
			"s.render.fps=%d; s.view_settings.look=%q",
		cyclesSeed(seed), samples, scene.Width, scene.Height, scene.FPS, look,
	)
}

// cyclesSeed folds any int64, negative ones included, into Cycles' seed
// range [0, 2^31).
func cyclesSeed(seed int64) int64 {
	return int64(uint64(seed) % (1 << 31))
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}
