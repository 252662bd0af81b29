package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Asdafers/contenitzer-sub000/internal/session"
	"github.com/Asdafers/contenitzer-sub000/pkg/response"
)

type SessionHandler struct {
	sessions *session.Service
}

func NewSessionHandler(sessions *session.Service) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Create handles POST /api/sessions
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"user_id"`
	}
	// Body is optional; anonymous sessions are allowed.
	_ = c.BodyParser(&req)

	sess, err := h.sessions.Create(c.Context(), req.UserID)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.Created(c, sess)
}

// Get handles GET /api/sessions/:sessionId
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return response.ValidationError(c, "Session ID is required", nil)
	}

	sess, err := h.sessions.Get(c.Context(), sessionID)
	if err != nil {
		return domainError(c, err, "Session not found")
	}
	return response.OK(c, sess)
}
