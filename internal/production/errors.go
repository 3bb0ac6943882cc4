package production

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/logger"
)

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return fiber.StatusNotFound
	case apperr.CodeConcurrentConflict, apperr.CodeInvalidTransition:
		return fiber.StatusConflict
	case apperr.CodeInsufficientQuantity,
		apperr.CodeInvalidQuantity,
		apperr.CodeInvalidOutcomeForStage,
		apperr.CodeLineNotAssigned,
		apperr.CodeNoRollsSelected,
		apperr.CodeInvalidCycleFlow:
		return fiber.StatusUnprocessableEntity
	case apperr.CodeInvalidArgument:
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

// ErrorHandler renders domain errors with their code and details, plain
// fiber errors with their status, and everything else as a 500.
func ErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			status := statusFor(ae.Code)
			if status == fiber.StatusInternalServerError {
				log.Error("integrity error", "path", c.Path(), "code", ae.Code, "error", err)
			}
			return c.Status(status).JSON(fiber.Map{
				"error":     ae.Message,
				"code":      ae.Code,
				"details":   ae.Details,
				"retryable": ae.Retryable(),
			})
		}
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{
				"error": fe.Message,
			})
		}
		log.Error("Unexpected error", "path", c.Path(), "method", c.Method(), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Beklenmeyen sunucu hatası",
		})
	}
}
