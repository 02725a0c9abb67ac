// Package renderer defines the render capability the worker pool drives and
// the backends that implement it.
package renderer

import (
	"context"
	"errors"

	"github.com/legalsim/render-orchestrator/internal/model"
)

// ErrCancelled is returned by a renderer when its observer asked it to stop.
var ErrCancelled = errors.New("render cancelled")

// Scene is the opaque handle a renderer works from. Scene construction is
// done upstream; the orchestrator only passes identifiers and output params.
type Scene struct {
	JobID        string
	CaseID       string
	StoryboardID string
	TimelineID   string
	Width        int
	Height       int
	FPS          int
	Quality      model.Quality
	OutputFormat string
	TotalFrames  int
}

// Frame is one rendered frame. Index is zero based.
type Frame struct {
	Index int
	Data  []byte
}

// FrameObserver is told about every finished frame. Returning a non-nil
// error makes the renderer stop and return that error.
type FrameObserver interface {
	FrameRendered(index, rendered int) error
}

// ObserverFunc adapts a function to FrameObserver.
type ObserverFunc func(index, rendered int) error

func (f ObserverFunc) FrameRendered(index, rendered int) error {
	return f(index, rendered)
}

// Renderer produces the frames of a scene. The same scene, seed and profile
// must produce identical frame bytes.
type Renderer interface {
	Render(ctx context.Context, scene Scene, seed int64, profile model.Profile, obs FrameObserver) ([]Frame, error)
	Name() string
}
