package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/progress"
	"github.com/Asdafers/contenitzer-sub000/pkg/response"
)

// ProgressHandler serves the pull API over stored progress events; clients
// that cannot hold a WebSocket open read the same stream here.
type ProgressHandler struct {
	bus *progress.Bus
}

func NewProgressHandler(bus *progress.Bus) *ProgressHandler {
	return &ProgressHandler{bus: bus}
}

// SessionEvents handles GET /api/sessions/:sessionId/events
func (h *ProgressHandler) SessionEvents(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return response.ValidationError(c, "Session ID is required", nil)
	}
	limit := c.QueryInt("limit", 50)
	filter := progress.EventFilter{
		Type:       model.EventType(c.Query("type")),
		UnreadOnly: c.QueryBool("unread", false),
	}

	events, err := h.bus.GetSessionEvents(c.Context(), sessionID, limit, filter)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"events": events, "count": len(events)})
}

// MarkRead handles POST /api/events/:eventId/read
func (h *ProgressHandler) MarkRead(c *fiber.Ctx) error {
	eventID := c.Params("eventId")
	if eventID == "" {
		return response.ValidationError(c, "Event ID is required", nil)
	}

	ok, err := h.bus.MarkRead(c.Context(), eventID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	if !ok {
		return response.NotFound(c, "Event not found")
	}
	return response.OK(c, fiber.Map{"read": true})
}

// MarkSessionRead handles POST /api/sessions/:sessionId/events/read
func (h *ProgressHandler) MarkSessionRead(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return response.ValidationError(c, "Session ID is required", nil)
	}

	count, err := h.bus.MarkSessionRead(c.Context(), sessionID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"marked": count})
}

// ClearSession handles DELETE /api/sessions/:sessionId/events
func (h *ProgressHandler) ClearSession(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return response.ValidationError(c, "Session ID is required", nil)
	}

	cleared, err := h.bus.ClearSession(c.Context(), sessionID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, fiber.Map{"cleared": cleared})
}
