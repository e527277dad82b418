package api

import (
	"errors"

	"github.com/fathima-sithara/social-messaging/internal/apperr"
	"github.com/gofiber/fiber/v2"
)

func ok(c *fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(fiber.Map{"status": "ok", "data": data})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg, "code": "invalid_body"})
}

// writeError writes err with the status of its kind and its code, so clients
// can tell "not_admin" apart from "group_too_small".
func writeError(c *fiber.Ctx, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg := ae.Message
		if ae.Kind == apperr.KindTransient {
			msg = "temporarily unavailable, retry"
		}
		return c.Status(apperr.HTTPStatus(ae)).JSON(fiber.Map{"error": msg, "code": ae.Code, "kind": ae.Kind})
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

// errorHandler is the app-level fallback for errors returned by handlers.
func errorHandler(c *fiber.Ctx, err error) error {
	return writeError(c, err)
}
