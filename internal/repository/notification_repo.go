package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"gorm.io/gorm"
)

// FailureUpdate describes the retry bookkeeping applied after a failed attempt.
type FailureUpdate struct {
	RetryCount   int
	Status       domain.Status
	ErrorMessage string
	ScheduledFor time.Time
}

type StatusCount struct {
	Status domain.Status `gorm:"column:status"`
	Count  int64         `gorm:"column:count"`
}

// NotificationRepository is the durable notification queue.
//
// Every mutating call only touches rows that are still PENDING; a terminal row
// is reported as domain.ErrConflict and left untouched.
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByNotificationID(ctx context.Context, notificationID string) (*domain.Notification, error)
	ExistsByNotificationID(ctx context.Context, notificationID string) (bool, error)
	ListDue(ctx context.Context, now time.Time, maxRetries int, limit int) ([]domain.Notification, error)
	MarkSent(ctx context.Context, notificationID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, notificationID string, reason string) error
	MarkSkipped(ctx context.Context, notificationID string, reason string) error
	RecordFailure(ctx context.Context, notificationID string, update FailureUpdate) error
	Reschedule(ctx context.Context, notificationID string, scheduledFor time.Time, reason string) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ExpirePendingBefore(ctx context.Context, cutoff time.Time, reason string) (int64, error)
	CountByStatus(ctx context.Context) ([]StatusCount, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if model == nil {
		return domain.ErrValidation
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*n = *notificationModelToDomain(model)
	return nil
}

func (r *GormNotificationRepo) GetByNotificationID(ctx context.Context, notificationID string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) ExistsByNotificationID(ctx context.Context, notificationID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("notification_id = ?", notificationID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *GormNotificationRepo) ListDue(ctx context.Context, now time.Time, maxRetries int, limit int) ([]domain.Notification, error) {
	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ? AND retry_count < ?", domain.StatusPending, now, maxRetries).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}

	return notifications, nil
}

func (r *GormNotificationRepo) MarkSent(ctx context.Context, notificationID string, sentAt time.Time) error {
	return r.updatePending(ctx, notificationID, map[string]any{
		"status":  domain.StatusSent,
		"sent_at": sentAt,
	})
}

func (r *GormNotificationRepo) MarkFailed(ctx context.Context, notificationID string, reason string) error {
	return r.updatePending(ctx, notificationID, map[string]any{
		"status":        domain.StatusFailed,
		"error_message": reason,
	})
}

func (r *GormNotificationRepo) MarkSkipped(ctx context.Context, notificationID string, reason string) error {
	return r.updatePending(ctx, notificationID, map[string]any{
		"status":        domain.StatusSkipped,
		"error_message": reason,
	})
}

func (r *GormNotificationRepo) RecordFailure(ctx context.Context, notificationID string, update FailureUpdate) error {
	values := map[string]any{
		"status":        update.Status,
		"retry_count":   update.RetryCount,
		"error_message": update.ErrorMessage,
	}
	if !update.ScheduledFor.IsZero() {
		values["scheduled_for"] = update.ScheduledFor
	}
	return r.updatePending(ctx, notificationID, values)
}

func (r *GormNotificationRepo) Reschedule(ctx context.Context, notificationID string, scheduledFor time.Time, reason string) error {
	return r.updatePending(ctx, notificationID, map[string]any{
		"scheduled_for": scheduledFor,
		"error_message": reason,
	})
}

func (r *GormNotificationRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", domain.TerminalStatuses(), cutoff).
		Delete(&NotificationModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormNotificationRepo) ExpirePendingBefore(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("status = ? AND created_at < ?", domain.StatusPending, cutoff).
		Updates(map[string]any{
			"status":        domain.StatusFailed,
			"error_message": reason,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormNotificationRepo) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *GormNotificationRepo) updatePending(ctx context.Context, notificationID string, values map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("notification_id = ? AND status = ?", notificationID, domain.StatusPending).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}
