package middleware

import (
	"github.com/fathima-sithara/social-messaging/internal/auth"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	LocalUserID      = "user_id"
	LocalIsModerator = "is_moderator"
)

// TokenValidator verifies a raw bearer token.
type TokenValidator interface {
	Validate(token string) (auth.Claims, error)
}

func JWTAuth(v TokenValidator, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing auth", "code": "unauthorized"})
		}
		claims, err := v.Validate(token)
		if err != nil {
			log.Debug("jwt invalid", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token", "code": "unauthorized"})
		}
		c.Locals(LocalUserID, claims.UserID)
		c.Locals(LocalIsModerator, claims.IsModerator)
		return c.Next()
	}
}

// UserID returns the authenticated actor set by JWTAuth.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalUserID).(string)
	return id
}

func IsModerator(c *fiber.Ctx) bool {
	ok, _ := c.Locals(LocalIsModerator).(bool)
	return ok
}
