package transport

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/signal-notifier/internal/observability"
)

// RequestID assigns every request an id and exposes it to downstream loggers
// through the request's user context.
func RequestID() []fiber.Handler {
	return []fiber.Handler{
		requestid.New(),
		func(c *fiber.Ctx) error {
			if id := requestCorrelationID(c); id != "" {
				c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
			}
			return c.Next()
		},
	}
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value, ok := c.Locals("requestid").(string); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
}
