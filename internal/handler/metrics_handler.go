package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/signal-notifier/internal/observability"
)

func RegisterMetricsRoute(app fiber.Router, metrics *observability.Metrics) error {
	if metrics == nil {
		return errors.New("metrics are required")
	}
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	return nil
}
