package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/service"
	"github.com/legalsim/render-orchestrator/pkg/response"
)

// DeterminismTest handles POST /api/determinism/test
// @Summary      Run determinism test
// @Description  Render a scene several times with one seed and compare the output checksums
// @Tags         Determinism
// @Accept       json
// @Produce      json
// @Param        request body model.DeterminismTestRequest true "Scene to test"
// @Success      200 {object} model.DeterminismTestResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/determinism/test [post]
func (h *RenderHandler) DeterminismTest(c *fiber.Ctx) error {
	var req model.DeterminismTestRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	result, err := h.service.RunDeterminismTest(c.UserContext(), req)
	if errors.Is(err, service.ErrNoRenderer) {
		return response.ServiceError(c, "No renderer is configured")
	}
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, result)
}

// Profiles handles GET /api/profiles
// @Summary      List render profiles
// @Description  Render profiles and the case modes each is allowed in
// @Tags         Determinism
// @Produce      json
// @Success      200 {object} model.ProfilesResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/profiles [get]
func (h *RenderHandler) Profiles(c *fiber.Ctx) error {
	return response.OK(c, h.service.Profiles())
}
