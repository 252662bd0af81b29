package handler

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/progress"
	"github.com/Asdafers/contenitzer-sub000/internal/queue"
	"github.com/Asdafers/contenitzer-sub000/internal/session"
	"github.com/Asdafers/contenitzer-sub000/pkg/response"
)

// TaskCanceller aborts an in-flight task execution. Satisfied by the worker
// pool.
type TaskCanceller interface {
	Cancel(taskID string) bool
}

type TaskHandler struct {
	queue     *queue.Queue
	bus       *progress.Bus
	pool      TaskCanceller
	sessions  *session.Service
	validator *validator.Validate
}

func NewTaskHandler(q *queue.Queue, bus *progress.Bus, pool TaskCanceller, sessions *session.Service, v *validator.Validate) *TaskHandler {
	return &TaskHandler{
		queue:     q,
		bus:       bus,
		pool:      pool,
		sessions:  sessions,
		validator: v,
	}
}

type SubmitTaskRequest struct {
	Type      string            `json:"type" validate:"required"`
	SessionID string            `json:"session_id" validate:"required"`
	Priority  string            `json:"priority,omitempty"`
	Input     json.RawMessage   `json:"input,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Submit handles POST /api/tasks
func (h *TaskHandler) Submit(c *fiber.Ctx) error {
	var req SubmitTaskRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	if err := requireSession(c.Context(), h.sessions, req.SessionID); err != nil {
		return domainError(c, err, "Session not found")
	}

	taskID, err := h.queue.Submit(c.Context(), queue.SubmitParams{
		Type:      model.TaskType(req.Type),
		Input:     req.Input,
		SessionID: req.SessionID,
		Priority:  model.TaskPriority(req.Priority),
		Metadata:  req.Metadata,
	})
	if err != nil {
		return domainError(c, err, "Task not found")
	}
	return response.Accepted(c, fiber.Map{"task_id": taskID, "status": model.TaskStatusPending})
}

// Get handles GET /api/tasks/:taskId
func (h *TaskHandler) Get(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	task, err := h.queue.Get(c.Context(), taskID)
	if err != nil {
		return domainError(c, err, "Task not found")
	}
	return response.OK(c, task)
}

// List handles GET /api/tasks
func (h *TaskHandler) List(c *fiber.Ctx) error {
	filter := queue.Filter{
		Status:    model.TaskStatus(c.Query("status")),
		Type:      model.TaskType(c.Query("type")),
		SessionID: c.Query("session_id"),
	}
	limit := c.QueryInt("limit", 50)

	tasks, err := h.queue.List(c.Context(), filter, limit)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"tasks": tasks, "count": len(tasks)})
}

// Cancel handles POST /api/tasks/:taskId/cancel
func (h *TaskHandler) Cancel(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	ok, err := h.queue.Cancel(c.Context(), taskID)
	if err != nil {
		return domainError(c, err, "Task not found")
	}
	if !ok {
		return response.Conflict(c, "Task can no longer be cancelled")
	}
	// Abort the in-flight execution if a local worker holds it.
	h.pool.Cancel(taskID)

	task, err := h.queue.Get(c.Context(), taskID)
	if err != nil {
		return domainError(c, err, "Task not found")
	}
	return response.OK(c, task)
}

// Retry handles POST /api/tasks/:taskId/retry
func (h *TaskHandler) Retry(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	ok, err := h.queue.Retry(c.Context(), taskID)
	if err != nil {
		return domainError(c, err, "Task not found")
	}
	if !ok {
		return response.Conflict(c, "Task is not retryable")
	}

	task, err := h.queue.Get(c.Context(), taskID)
	if err != nil {
		return domainError(c, err, "Task not found")
	}
	return response.OK(c, task)
}

// Events handles GET /api/tasks/:taskId/events
func (h *TaskHandler) Events(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}
	limit := c.QueryInt("limit", 50)

	events, err := h.bus.GetTaskEvents(c.Context(), taskID, limit)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"events": events, "count": len(events)})
}
