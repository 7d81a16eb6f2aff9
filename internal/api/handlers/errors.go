package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/logger"
)

// StatusFor maps the engine's error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case apperrors.IsValidation(err):
		return fiber.StatusBadRequest
	case apperrors.IsNotFound(err):
		return fiber.StatusNotFound
	case apperrors.IsDependency(err):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, op string, err error) error {
	status := StatusFor(err)

	msg := err.Error()
	switch status {
	case fiber.StatusBadGateway:
		logger.Error("Upstream dependency failed", zap.String("op", op), zap.Error(err))
		msg = "upstream dependency unavailable"
	case fiber.StatusInternalServerError:
		logger.Error("Request failed", zap.String("op", op), zap.Error(err))
		msg = "internal server error"
	default:
		logger.Debug("Request rejected", zap.String("op", op), zap.Error(err))
	}

	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// userID prefers the explicit value and falls back to the caller header set
// by the gateway.
func userID(c *fiber.Ctx, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return c.Get("X-User-ID")
}
