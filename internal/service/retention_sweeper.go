package service

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/signal-notifier/internal/observability"
	"github.com/kursadbilgin/signal-notifier/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRetention = 30 * 24 * time.Hour

	ReasonPendingExpired = "pending entry expired"
)

// SweepResult reports how many rows a sweep removed or force-failed.
type SweepResult struct {
	Deleted int64
	Expired int64
}

// RetentionSweeper deletes old terminal rows and expires PENDING rows that never drained.
type RetentionSweeper struct {
	notifications repository.NotificationRepository
	retention     time.Duration
	pendingMaxAge time.Duration
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewRetentionSweeper builds a sweeper. A pendingMaxAge of zero disables pending expiry.
func NewRetentionSweeper(
	notifications repository.NotificationRepository,
	retention time.Duration,
	pendingMaxAge time.Duration,
	logger *zap.Logger,
) (*RetentionSweeper, error) {
	if notifications == nil {
		return nil, errors.New("notification repository is required")
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	if pendingMaxAge < 0 {
		pendingMaxAge = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RetentionSweeper{
		notifications: notifications,
		retention:     retention,
		pendingMaxAge: pendingMaxAge,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *RetentionSweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *RetentionSweeper) Sweep(ctx context.Context) SweepResult {
	if ctx == nil {
		ctx = context.Background()
	}

	var result SweepResult
	now := s.now().UTC()

	deleted, err := s.notifications.DeleteTerminalBefore(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Error("failed to delete old notifications", zap.Error(err))
	} else {
		result.Deleted = deleted
		s.metrics.AddRetention("deleted", deleted)
	}

	if s.pendingMaxAge > 0 {
		expired, err := s.notifications.ExpirePendingBefore(ctx, now.Add(-s.pendingMaxAge), ReasonPendingExpired)
		if err != nil {
			s.logger.Error("failed to expire stale pending notifications", zap.Error(err))
		} else {
			result.Expired = expired
			s.metrics.AddRetention("expired", expired)
		}
	}

	if result.Deleted > 0 || result.Expired > 0 {
		s.logger.Info("retention sweep finished",
			zap.Int64("deleted", result.Deleted),
			zap.Int64("expired", result.Expired),
		)
	}
	return result
}
