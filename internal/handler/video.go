package handler

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/videoforge/api/internal/model"
	"github.com/videoforge/api/internal/service"
	"github.com/videoforge/api/pkg/response"
)

// VideoHandler exposes the job lifecycle over HTTP.
type VideoHandler struct {
	jobs     *service.JobService
	validate *validator.Validate
}

func NewVideoHandler(jobs *service.JobService, validate *validator.Validate) *VideoHandler {
	return &VideoHandler{
		jobs:     jobs,
		validate: validate,
	}
}

// Generate handles POST /api/generate. It accepts the job and returns 202
// immediately; the video is produced asynchronously.
func (h *VideoHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validate.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.jobs.CreateGeneration(c.Context(), &req)
	if err != nil {
		return h.mapError(c, err)
	}

	return response.Accepted(c, model.GenerateResponse{
		VideoID: job.ID,
		Status:  job.Status,
		Message: "Video generation started",
	})
}

// List handles GET /api/videos.
func (h *VideoHandler) List(c *fiber.Ctx) error {
	jobs, err := h.jobs.List(c.Context())
	if err != nil {
		return h.mapError(c, err)
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return response.OK(c, model.ListResponse{Videos: jobs})
}

// Get handles GET /api/videos/:videoId.
func (h *VideoHandler) Get(c *fiber.Ctx) error {
	job, err := h.jobs.GetStatus(c.Context(), c.Params("videoId"))
	if err != nil {
		return h.mapError(c, err)
	}
	return response.OK(c, job)
}

// RefreshURL handles POST /api/videos/:videoId/refresh-url. While the
// cached link is still live it is returned unchanged; otherwise a fresh
// one is minted.
func (h *VideoHandler) RefreshURL(c *fiber.Ctx) error {
	videoID := c.Params("videoId")

	url, err := h.jobs.RefreshOutputLink(c.Context(), videoID)
	if err != nil {
		return h.mapError(c, err)
	}

	return response.OK(c, model.RefreshURLResponse{
		VideoID:  videoID,
		VideoURL: url,
	})
}

// ReplaceBackground handles POST /api/videos/:videoId/replace-background.
// It chains a new job off a completed one; the source job is untouched.
func (h *VideoHandler) ReplaceBackground(c *fiber.Ctx) error {
	parentID := c.Params("videoId")

	var req model.ReplaceBackgroundRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	job, err := h.jobs.CreateBackgroundReplacement(c.Context(), parentID, &req)
	if err != nil {
		return h.mapError(c, err)
	}

	return response.Accepted(c, model.ReplaceBackgroundResponse{
		VideoID:         job.ID,
		OriginalVideoID: parentID,
		Status:          job.Status,
		Message:         "Background replacement started",
	})
}

// Delete handles DELETE /api/videos/:videoId. Deletes are idempotent.
func (h *VideoHandler) Delete(c *fiber.Ctx) error {
	videoID := c.Params("videoId")

	if err := h.jobs.DeleteJob(c.Context(), videoID); err != nil {
		return h.mapError(c, err)
	}

	return response.OK(c, model.DeleteResponse{
		VideoID: videoID,
		Message: "Video deleted",
	})
}

func (h *VideoHandler) mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, model.ErrJobNotFound):
		return response.NotFound(c, "Video not found")
	case errors.Is(err, model.ErrJobNotCompleted):
		return response.PreconditionFailed(c, err.Error())
	default:
		return response.ServiceError(c, "Something went wrong. Please try again.")
	}
}

func formatValidationErrors(err error) []string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}

	out := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			out = append(out, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			out = append(out, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		case "min":
			out = append(out, fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param()))
		default:
			out = append(out, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return out
}
