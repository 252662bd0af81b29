package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/Asdafers/contenitzer-sub000/internal/model"
	"github.com/Asdafers/contenitzer-sub000/internal/session"
	"github.com/Asdafers/contenitzer-sub000/pkg/response"
)

// formatValidationErrors flattens validator errors into a field->problem map
// for the response envelope.
func formatValidationErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fmt.Sprintf("failed on %s", fe.Tag())
	}
	return details
}

// requireSession rejects a submission naming a session that does not exist,
// before any task or job state is created. Unknown sessions surface as
// validation errors; store failures pass through untouched.
func requireSession(ctx context.Context, sessions *session.Service, sessionID string) error {
	if _, err := sessions.Get(ctx, sessionID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.NewValidationError(fmt.Sprintf("unknown session %q", sessionID))
		}
		return err
	}
	return nil
}

// domainError maps the service error taxonomy onto the response envelope.
func domainError(c *fiber.Ctx, err error, notFoundMessage string) error {
	if errors.Is(err, model.ErrNotFound) {
		return response.NotFound(c, notFoundMessage)
	}
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return response.ValidationError(c, verr.Error(), nil)
	}
	return response.ServiceError(c, err.Error())
}
