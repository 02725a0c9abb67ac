package handler

import (
	"context"
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/legalsim/render-orchestrator/internal/middleware"
	"github.com/legalsim/render-orchestrator/internal/model"
	"github.com/legalsim/render-orchestrator/internal/queue"
	"github.com/legalsim/render-orchestrator/internal/service"
	"github.com/legalsim/render-orchestrator/internal/store"
	ws "github.com/legalsim/render-orchestrator/internal/websocket"
	"github.com/legalsim/render-orchestrator/pkg/response"
)

type RenderHandler struct {
	service   *service.RenderService
	validator *validator.Validate
	hub       *ws.Hub
}

func NewRenderHandler(svc *service.RenderService, v *validator.Validate, hub *ws.Hub) *RenderHandler {
	return &RenderHandler{
		service:   svc,
		validator: v,
		hub:       hub,
	}
}

// Create handles POST /api/renders
// @Summary      Submit render job
// @Description  Validate a render request against the case's mode and queue it
// @Tags         Renders
// @Accept       json
// @Produce      json
// @Param        request body model.CreateRenderRequest true "Render request"
// @Success      202 {object} model.RenderJob
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/renders [post]
func (h *RenderHandler) Create(c *fiber.Ctx) error {
	var req model.CreateRenderRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	req.CreatedBy = middleware.GetUserID(c)

	job, err := h.service.CreateRender(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err)
	}

	return response.Accepted(c, job)
}

// List handles GET /api/renders
// @Summary      List render jobs
// @Description  List jobs newest first, filtered by case, storyboard or status
// @Tags         Renders
// @Produce      json
// @Param        caseId query string false "Case ID"
// @Param        storyboardId query string false "Storyboard ID"
// @Param        status query string false "Job status"
// @Param        limit query int false "Page size (max 500)"
// @Param        offset query int false "Offset"
// @Success      200 {object} model.RenderListResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/renders [get]
func (h *RenderHandler) List(c *fiber.Ctx) error {
	var filter model.RenderListFilter
	if err := c.QueryParser(&filter); err != nil {
		return response.ValidationError(c, "Invalid query parameters", nil)
	}
	if err := h.validator.Struct(&filter); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.ListRenders(c.UserContext(), filter)
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, result)
}

// QueueStats handles GET /api/renders/queue/stats
// @Summary      Queue statistics
// @Description  Job counts by status and live queue figures
// @Tags         Renders
// @Produce      json
// @Success      200 {object} model.QueueStatsResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/renders/queue/stats [get]
func (h *RenderHandler) QueueStats(c *fiber.Ctx) error {
	result, err := h.service.GetQueueStats(c.UserContext())
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, result)
}

// Get handles GET /api/renders/:jobId
// @Summary      Get render job
// @Description  Full job record including checksum and determinism check
// @Tags         Renders
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.RenderJob
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/renders/{jobId} [get]
func (h *RenderHandler) Get(c *fiber.Ctx) error {
	job, err := h.service.GetRender(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, job)
}

// Status handles GET /api/renders/:jobId/status
// @Summary      Get render job status
// @Description  Status, live progress, retries and warnings of a job
// @Tags         Renders
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.RenderStatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/renders/{jobId}/status [get]
func (h *RenderHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.GetRenderStatus(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/renders/:jobId/cancel and DELETE /api/renders/:jobId
// @Summary      Cancel render job
// @Description  Cancel a queued job, or ask a running one to stop. No-op on finished jobs.
// @Tags         Renders
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.RenderCancelResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/renders/{jobId}/cancel [post]
func (h *RenderHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.service.CancelRender(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, result)
}

// Retry handles POST /api/renders/:jobId/retry
// @Summary      Retry failed render job
// @Description  Re-queue a FAILED job. The retry count is kept.
// @Tags         Renders
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      202 {object} model.RenderRetryResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      503 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/renders/{jobId}/retry [post]
func (h *RenderHandler) Retry(c *fiber.Ctx) error {
	result, err := h.service.RetryRender(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.Accepted(c, result)
}

// Download handles GET /api/renders/:jobId/download
// @Summary      Download link
// @Description  Time-limited URL of a completed job's artifact
// @Tags         Renders
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.RenderDownloadResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/renders/{jobId}/download [get]
func (h *RenderHandler) Download(c *fiber.Ctx) error {
	result, err := h.service.DownloadURL(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, result)
}

// Stream serves GET /ws/renders/:jobId. The first message is the job's
// current progress; later ones come from the hub.
func (h *RenderHandler) Stream(c *websocket.Conn) {
	jobID := c.Params("jobId")
	status, err := h.service.GetRenderStatus(context.Background(), jobID)
	if err != nil {
		code, message := response.CodeServiceError, "Failed to load job"
		if errors.Is(err, store.ErrNotFound) {
			code, message = response.CodeNotFound, "Job not found"
		}
		_ = c.WriteJSON(model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: jobID,
			Error: model.WSError{Code: code, Message: message},
		})
		return
	}

	h.hub.HandleConnection(c, jobID, model.WSProgressMessage{
		Type:               model.WSMessageTypeProgress,
		JobID:              status.JobID,
		Status:             status.Status,
		FramesRendered:     status.FramesRendered,
		TotalFrames:        status.TotalFrames,
		ProgressPercentage: status.ProgressPercentage,
	})
}

func (h *RenderHandler) fail(c *fiber.Ctx, err error) error {
	var verr *service.ValidationError
	var full *queue.QueueFullError
	switch {
	case errors.As(err, &verr):
		return response.ValidationError(c, "Validation failed", verr.Fields)
	case errors.As(err, &full):
		return response.QueueFull(c, "Render queue is full, try again later")
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrNotRetryable):
		return response.Conflict(c, "Only failed jobs can be retried")
	case errors.Is(err, service.ErrNotCompleted):
		return response.Conflict(c, "Job has not completed")
	case errors.Is(err, service.ErrArtifactMissing):
		return response.NotFound(c, "Render artifact not found")
	default:
		log.Printf("Render request failed: %v", err)
		return response.ServiceError(c, err.Error())
	}
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
