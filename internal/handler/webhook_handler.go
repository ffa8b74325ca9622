package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/signal-notifier/internal/observability"
	"github.com/kursadbilgin/signal-notifier/internal/webhook"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const webhookPath = "/v1/webhooks/farcaster"

type EventDecoder interface {
	Decode(ctx context.Context, env webhook.Envelope) (*webhook.Event, error)
}

type EventApplier interface {
	Apply(ctx context.Context, event *webhook.Event)
}

type WebhookOptions struct {
	// RatePerSec caps accepted webhook calls across all callers. Zero disables
	// the throttle.
	RatePerSec int
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

type WebhookHandler struct {
	decoder EventDecoder
	events  EventApplier
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  *zap.Logger
}

func RegisterWebhookRoutes(app fiber.Router, decoder EventDecoder, events EventApplier, opts WebhookOptions) error {
	if decoder == nil {
		return errors.New("webhook decoder is required")
	}
	if events == nil {
		return errors.New("event applier is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	h := &WebhookHandler{
		decoder: decoder,
		events:  events,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if opts.RatePerSec > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}

	app.Post(webhookPath, h.Receive)
	return nil
}

func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	if h.limiter != nil && !h.limiter.Allow() {
		h.metrics.IncWebhookEvent("unknown", "throttled")
		return fiber.NewError(fiber.StatusTooManyRequests, "too many webhook requests")
	}

	var env webhook.Envelope
	if err := c.BodyParser(&env); err != nil {
		h.metrics.IncWebhookEvent("unknown", "malformed")
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	ctx := c.UserContext()
	event, err := h.decoder.Decode(ctx, env)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrSignature):
			h.metrics.IncWebhookEvent("unknown", "rejected")
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		case errors.Is(err, webhook.ErrMalformed):
			h.metrics.IncWebhookEvent("unknown", "malformed")
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		default:
			return err
		}
	}

	h.events.Apply(ctx, event)
	h.metrics.IncWebhookEvent(string(event.Kind), "applied")

	observability.WithContextLogger(h.logger, ctx).Debug("webhook event applied",
		zap.String("event", string(event.Kind)),
		zap.Int64("fid", event.FID),
		zap.Bool("hasDetails", event.NotificationDetails != nil),
		zap.String("key", shortKey(event.Key)),
	)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success": true,
	})
}

func shortKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 10 {
		return key
	}
	return key[:10]
}
