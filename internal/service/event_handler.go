package service

import (
	"context"
	"errors"
	"strings"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"github.com/kursadbilgin/signal-notifier/internal/observability"
	"github.com/kursadbilgin/signal-notifier/internal/repository"
	"github.com/kursadbilgin/signal-notifier/internal/webhook"
	"go.uber.org/zap"
)

const (
	welcomeTitle = "🎉 Welcome to Memetic Signal Protocol"
	welcomeBody  = "Start tracking your token calls and earn points."
)

// EventHandler applies mini app lifecycle events to recipient settings.
type EventHandler struct {
	users   repository.UserRepository
	writer  *QueueWriter
	baseURL string
	logger  *zap.Logger
}

func NewEventHandler(
	users repository.UserRepository,
	writer *QueueWriter,
	baseURL string,
	logger *zap.Logger,
) (*EventHandler, error) {
	if users == nil {
		return nil, errors.New("user repository is required")
	}
	if writer == nil {
		return nil, errors.New("queue writer is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultNotificationBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EventHandler{
		users:   users,
		writer:  writer,
		baseURL: strings.TrimSpace(baseURL),
		logger:  logger,
	}, nil
}

// Apply routes a decoded webhook event to its handler.
func (h *EventHandler) Apply(ctx context.Context, event *webhook.Event) {
	if event == nil {
		return
	}

	switch event.Kind {
	case webhook.EventFrameAdded:
		h.OnFrameAdded(ctx, event.FID, event.NotificationDetails)
	case webhook.EventFrameRemoved:
		h.OnFrameRemoved(ctx, event.FID)
	case webhook.EventNotificationsEnabled:
		h.OnNotificationsEnabled(ctx, event.FID, event.NotificationDetails)
	case webhook.EventNotificationsDisabled:
		h.OnNotificationsDisabled(ctx, event.FID)
	default:
		h.logger.Warn("unhandled webhook event", zap.String("event", string(event.Kind)))
	}
}

// OnFrameAdded stores the issued credentials, when present, and queues the one-time
// welcome message. The welcome is queued either way; a recipient without a URL is
// resolved as undeliverable by the dispatcher.
func (h *EventHandler) OnFrameAdded(ctx context.Context, fid int64, details *domain.NotificationDetails) {
	logger := h.eventLogger(ctx, "frame_added", fid)
	if !h.recipientExists(ctx, fid, logger) {
		return
	}
	if details != nil && !h.enable(ctx, fid, details, logger) {
		return
	}

	h.writer.Enqueue(ctx, EnqueueRequest{
		UserID:         fid,
		Type:           domain.TypeWelcome,
		Title:          welcomeTitle,
		Body:           welcomeBody,
		TargetURL:      h.baseURL,
		IdempotencyKey: domain.WelcomeIdempotencyKey(fid),
	})
}

func (h *EventHandler) OnFrameRemoved(ctx context.Context, fid int64) {
	logger := h.eventLogger(ctx, "frame_removed", fid)
	if !h.recipientExists(ctx, fid, logger) {
		return
	}
	h.disable(ctx, fid, logger)
}

func (h *EventHandler) OnNotificationsEnabled(ctx context.Context, fid int64, details *domain.NotificationDetails) {
	logger := h.eventLogger(ctx, "notifications_enabled", fid)
	if !h.recipientExists(ctx, fid, logger) {
		return
	}
	if details == nil {
		logger.Warn("notifications enabled without details")
		return
	}
	h.enable(ctx, fid, details, logger)
}

func (h *EventHandler) OnNotificationsDisabled(ctx context.Context, fid int64) {
	logger := h.eventLogger(ctx, "notifications_disabled", fid)
	if !h.recipientExists(ctx, fid, logger) {
		return
	}
	h.disable(ctx, fid, logger)
}

func (h *EventHandler) enable(ctx context.Context, fid int64, details *domain.NotificationDetails, logger *zap.Logger) bool {
	token := strings.TrimSpace(details.Token)
	url := strings.TrimSpace(details.URL)
	if err := h.users.UpdateNotificationSettings(ctx, fid, true, &token, &url); err != nil {
		logger.Error("failed to enable notifications", zap.Error(err))
		return false
	}
	logger.Info("notifications enabled")
	return true
}

func (h *EventHandler) disable(ctx context.Context, fid int64, logger *zap.Logger) {
	if err := h.users.UpdateNotificationSettings(ctx, fid, false, nil, nil); err != nil {
		logger.Error("failed to disable notifications", zap.Error(err))
		return
	}
	logger.Info("notifications disabled")
}

func (h *EventHandler) recipientExists(ctx context.Context, fid int64, logger *zap.Logger) bool {
	if _, err := h.users.GetByFID(ctx, fid); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("webhook event for unknown user")
			return false
		}
		logger.Error("failed to load user", zap.Error(err))
		return false
	}
	return true
}

func (h *EventHandler) eventLogger(ctx context.Context, event string, fid int64) *zap.Logger {
	if ctx == nil {
		ctx = context.Background()
	}
	return observability.WithContextLogger(h.logger, ctx).With(
		zap.String("event", event),
		zap.Int64("fid", fid),
	)
}
