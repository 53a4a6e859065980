package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const internalErrorMessage = "internal server error"

type fieldErrorView struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// envelope: единый формат ответа API.
type envelope struct {
	Success bool             `json:"success"`
	Data    any              `json:"data,omitempty"`
	Message string           `json:"message,omitempty"`
	Errors  []fieldErrorView `json:"errors,omitempty"`
}

func respond(c *fiber.Ctx, status int, data any, message string) error {
	return c.Status(status).JSON(envelope{Success: true, Data: data, Message: message})
}

// errorEnvelope сопоставляет категорию ошибки с HTTP-статусом.
// Текст внутренних ошибок наружу не отдаётся.
func errorEnvelope(err error) (int, envelope) {
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		fields := validation.Fields()
		views := make([]fieldErrorView, 0, len(fields))
		for _, field := range fields {
			views = append(views, fieldErrorView{Field: field.Field, Message: field.Message})
		}
		return fiber.StatusBadRequest, envelope{Message: "validation failed", Errors: views}
	}

	var stock *domain.InsufficientStockError
	if errors.As(err, &stock) {
		return fiber.StatusConflict, envelope{
			Message: err.Error(),
			Errors:  []fieldErrorView{{Field: stock.ProductID, Message: "insufficient stock"}},
		}
	}

	var fiberErr *fiber.Error
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return fiber.StatusBadRequest, envelope{Message: err.Error()}
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.StatusUnauthorized, envelope{Message: err.Error()}
	case errors.Is(err, domain.ErrForbidden):
		return fiber.StatusForbidden, envelope{Message: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound, envelope{Message: err.Error()}
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict, envelope{Message: err.Error()}
	case errors.As(err, &fiberErr):
		return fiberErr.Code, envelope{Message: fiberErr.Message}
	default:
		return fiber.StatusInternalServerError, envelope{Message: internalErrorMessage}
	}
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	status, body := errorEnvelope(err)
	s.logFailure(c, status, err)
	return c.Status(status).JSON(body)
}

func (s *Server) logFailure(c *fiber.Ctx, status int, err error) {
	if status < fiber.StatusInternalServerError {
		return
	}
	s.logger.WithError(err).WithFields(log.Fields{
		"method": c.Method(),
		"path":   c.Path(),
	}).Error("request failed")
}

// handleError: ErrorHandler приложения: 404 маршрутов, превышение BodyLimit и паники.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	return s.fail(c, err)
}
