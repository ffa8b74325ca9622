package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"github.com/kursadbilgin/signal-notifier/internal/observability"
	"github.com/kursadbilgin/signal-notifier/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultNotificationBaseURL = "https://sigil.app"

type EnqueueRequest struct {
	UserID         int64
	Type           domain.Type
	Title          string
	Body           string
	TargetURL      string
	ScheduledFor   time.Time
	IdempotencyKey string
}

// QueueWriter inserts notifications into the durable queue, at most once per key.
type QueueWriter struct {
	notifications repository.NotificationRepository
	baseURL       string
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewQueueWriter(
	notifications repository.NotificationRepository,
	baseURL string,
	logger *zap.Logger,
) (*QueueWriter, error) {
	if notifications == nil {
		return nil, errors.New("notification repository is required")
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultNotificationBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &QueueWriter{
		notifications: notifications,
		baseURL:       strings.TrimSpace(baseURL),
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (w *QueueWriter) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Enqueue stores a PENDING notification unless one with the same key already exists.
// It never returns an error; failures are logged and reported as not created.
func (w *QueueWriter) Enqueue(ctx context.Context, req EnqueueRequest) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	scheduledFor := req.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = w.now()
	}
	scheduledFor = scheduledFor.UTC()

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = domain.DefaultIdempotencyKey(req.Type, req.UserID, scheduledFor)
	}

	targetURL := strings.TrimSpace(req.TargetURL)
	if targetURL == "" {
		targetURL = w.baseURL
	}

	logger := observability.WithContextLogger(w.logger, ctx).With(
		zap.String("notificationId", key),
		zap.Int64("userId", req.UserID),
		zap.String("type", req.Type.String()),
	)

	exists, err := w.notifications.ExistsByNotificationID(ctx, key)
	if err != nil {
		logger.Error("failed to check existing notification", zap.Error(err))
		return false
	}
	if exists {
		logger.Debug("notification already queued")
		return false
	}

	notification := &domain.Notification{
		NotificationID: key,
		UserID:         req.UserID,
		Type:           req.Type,
		Title:          req.Title,
		Body:           req.Body,
		TargetURL:      targetURL,
		ScheduledFor:   scheduledFor,
		Status:         domain.StatusPending,
	}
	if err := notification.Validate(); err != nil {
		logger.Warn("rejected invalid notification", zap.Error(err))
		return false
	}

	if err := w.notifications.Create(ctx, notification); err != nil {
		if isUniqueViolationError(err) {
			logger.Debug("notification queued concurrently")
			return false
		}
		logger.Error("failed to enqueue notification", zap.Error(err))
		return false
	}

	w.metrics.IncEnqueued(req.Type.String())
	logger.Info("notification queued", zap.Time("scheduledFor", scheduledFor))
	return true
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
