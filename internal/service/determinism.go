package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/legalsim/render-orchestrator/internal/determinism"
	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/renderer"
)

const defaultDeterminismIterations = 3

var ErrNoRenderer = errors.New("no renderer configured")

var profileDescriptions = map[model.Profile]string{
	model.ProfileNeutral:   "Court-appropriate settings with neutral lighting and materials",
	model.ProfileCinematic: "Enhanced settings with dramatic lighting and effects",
}

// Profiles lists every render profile with the case modes that accept it.
func (s *RenderService) Profiles() *model.ProfilesResponse {
	resp := &model.ProfilesResponse{Profiles: make([]model.ProfileInfo, 0, len(model.ValidProfiles))}
	for _, p := range model.ValidProfiles {
		info := model.ProfileInfo{Name: p, Description: profileDescriptions[p], AllowedModes: []model.Mode{}}
		for _, m := range model.ValidModes {
			if p.AllowedIn(m) {
				info.AllowedModes = append(info.AllowedModes, m)
			}
		}
		resp.Profiles = append(resp.Profiles, info)
	}
	return resp
}

// RunDeterminismTest renders a scene several times with one seed and
// compares the whole-output checksums. Nothing is queued or stored; the
// renders run on the caller's context.
func (s *RenderService) RunDeterminismTest(ctx context.Context, req model.DeterminismTestRequest) (*model.DeterminismTestResponse, error) {
	if s.Renderer == nil {
		return nil, ErrNoRenderer
	}
	mode, err := s.Modes.ModeForCase(ctx, req.CaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve case mode: %w", err)
	}
	resolved, err := s.Validator.ValidateDeterminismTest(req, mode)
	if err != nil {
		return nil, err
	}

	iterations := req.Iterations
	if iterations == 0 {
		iterations = defaultDeterminismIterations
	}
	seed := determinism.DeriveSeed(resolved.CaseID, resolved.StoryboardID, resolved.TimelineID)
	if resolved.Seed != nil {
		seed = *resolved.Seed
	}
	scene := renderer.Scene{
		JobID:        "determinism-" + uuid.New().String(),
		CaseID:       resolved.CaseID,
		StoryboardID: resolved.StoryboardID,
		TimelineID:   resolved.TimelineID,
		Width:        resolved.Width,
		Height:       resolved.Height,
		FPS:          resolved.FPS,
		Quality:      resolved.Quality,
		OutputFormat: resolved.OutputFormat,
		TotalFrames:  resolved.TotalFrames,
	}

	resp := &model.DeterminismTestResponse{
		Renderer:    s.Renderer.Name(),
		Seed:        seed,
		Profile:     resolved.Profile,
		TotalFrames: resolved.TotalFrames,
		Iterations:  make([]model.DeterminismIteration, 0, iterations),
	}
	unique := make(map[string]struct{})
	failed := 0
	for i := 1; i <= iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it := s.renderOnce(ctx, scene, seed, resolved.Profile)
		it.Iteration = i
		if it.Error != "" {
			failed++
		} else {
			unique[it.Checksum] = struct{}{}
		}
		resp.Iterations = append(resp.Iterations, it)
	}

	resp.UniqueChecksums = len(unique)
	resp.Deterministic = failed == 0 && len(unique) == 1
	if resp.Deterministic {
		resp.Checksum = resp.Iterations[0].Checksum
	}
	if failed > 0 {
		resp.Recommendations = append(resp.Recommendations,
			fmt.Sprintf("%d of %d iterations failed; check the renderer installation and scene files", failed, iterations))
	}
	if len(unique) > 1 {
		resp.Recommendations = append(resp.Recommendations,
			"Output differs between runs with the same seed; look for unseeded randomness or adaptive sampling in the scene")
	}

	log.Printf("Determinism test for case %s (%s, seed %d): %d iterations, %d unique checksums, %d failed",
		resolved.CaseID, resolved.Profile, seed, iterations, len(unique), failed)
	return resp, nil
}

func (s *RenderService) renderOnce(ctx context.Context, scene renderer.Scene, seed int64, profile model.Profile) model.DeterminismIteration {
	started := s.now()
	var it model.DeterminismIteration

	frames, err := s.Renderer.Render(ctx, scene, seed, profile, nil)
	if err == nil && len(frames) != scene.TotalFrames {
		err = fmt.Errorf("renderer returned %d frames, expected %d", len(frames), scene.TotalFrames)
	}
	if err == nil {
		it.Checksum, err = determinism.ComputeChecksum(frames)
	}
	if err != nil {
		it.Error = err.Error()
	}
	it.DurationMs = s.now().Sub(started).Milliseconds()
	return it
}
