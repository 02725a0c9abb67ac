package renderer

import (
	"fmt"

	"github.com/legalsim/render-orchestrator/internal/config"
)

// New returns the backend selected by cfg.Backend.
func New(cfg config.RendererConfig) (Renderer, error) {
	switch cfg.Backend {
	case "simulated", "":
		return NewSimulatedRenderer(cfg.FrameDelay), nil
	case "blender":
		return NewBlenderRenderer(cfg.BlenderPath, cfg.SceneDir, cfg.WorkDir), nil
	default:
		return nil, fmt.Errorf("unknown renderer backend %q", cfg.Backend)
	}
}
