package handler

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/session"
	"github.com/Asdafers/contenitzer-sub000/internal/workflow"
	"github.com/Asdafers/contenitzer-sub000/pkg/response"
)

type VideoHandler struct {
	driver    *workflow.Driver
	jobs      *workflow.JobStore
	sessions  *session.Service
	validator *validator.Validate
}

func NewVideoHandler(driver *workflow.Driver, jobs *workflow.JobStore, sessions *session.Service, v *validator.Validate) *VideoHandler {
	return &VideoHandler{
		driver:    driver,
		jobs:      jobs,
		sessions:  sessions,
		validator: v,
	}
}

type GenerateVideoRequest struct {
	SessionID           string          `json:"session_id" validate:"required"`
	ScriptID            string          `json:"script_id" validate:"required"`
	CompositionSettings json.RawMessage `json:"composition_settings,omitempty"`
}

// jobView adds the derived completion estimate to a job record.
type jobView struct {
	*model.Job
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

func viewOf(job *model.Job) jobView {
	return jobView{Job: job, EstimatedCompletion: job.EstimatedCompletion(time.Now().UTC())}
}

// Generate handles POST /api/videos/generate
func (h *VideoHandler) Generate(c *fiber.Ctx) error {
	var req GenerateVideoRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	if err := requireSession(c.Context(), h.sessions, req.SessionID); err != nil {
		return domainError(c, err, "Session not found")
	}

	job, err := h.driver.StartJob(c.Context(), workflow.CreateParams{
		SessionID:           req.SessionID,
		ScriptID:            req.ScriptID,
		CompositionSettings: req.CompositionSettings,
	})
	if err != nil {
		return domainError(c, err, "Job not found")
	}
	return response.Accepted(c, viewOf(job))
}

// Status handles GET /api/videos/:jobId/status
func (h *VideoHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.jobs.Get(c.Context(), jobID)
	if err != nil {
		return domainError(c, err, "Job not found")
	}
	return response.OK(c, viewOf(job))
}

// List handles GET /api/videos
func (h *VideoHandler) List(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	limit := c.QueryInt("limit", 50)

	jobs, err := h.jobs.List(c.Context(), sessionID, limit)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	return response.OK(c, fiber.Map{"jobs": views, "count": len(views)})
}

// Cancel handles POST /api/videos/:jobId/cancel
func (h *VideoHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.driver.CancelJob(c.Context(), jobID)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			// Already terminal; cancelling twice is a state conflict, not
			// bad input.
			return response.Conflict(c, verr.Error())
		}
		return domainError(c, err, "Job not found")
	}
	return response.OK(c, viewOf(job))
}
