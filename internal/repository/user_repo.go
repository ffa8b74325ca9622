package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"gorm.io/gorm"
)

// UserRepository exposes the recipient settings owned by the users table.
type UserRepository interface {
	GetByFID(ctx context.Context, fid int64) (*domain.Recipient, error)
	GetByFIDs(ctx context.Context, fids []int64) (map[int64]*domain.Recipient, error)
	UpdateNotificationSettings(ctx context.Context, fid int64, enabled bool, token *string, url *string) error
	ListNotifiable(ctx context.Context, afterFID int64, limit int) ([]domain.Recipient, error)
}

type GormUserRepo struct {
	db *gorm.DB
}

func NewGormUserRepo(db *gorm.DB) *GormUserRepo {
	return &GormUserRepo{db: db}
}

func (r *GormUserRepo) GetByFID(ctx context.Context, fid int64) (*domain.Recipient, error) {
	var model UserModel
	err := r.db.WithContext(ctx).First(&model, "fid = ?", fid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return userModelToRecipient(&model), nil
}

func (r *GormUserRepo) GetByFIDs(ctx context.Context, fids []int64) (map[int64]*domain.Recipient, error) {
	recipients := make(map[int64]*domain.Recipient, len(fids))
	if len(fids) == 0 {
		return recipients, nil
	}

	var models []UserModel
	if err := r.db.WithContext(ctx).Where("fid IN ?", fids).Find(&models).Error; err != nil {
		return nil, err
	}
	for i := range models {
		recipients[models[i].FID] = userModelToRecipient(&models[i])
	}
	return recipients, nil
}

func (r *GormUserRepo) UpdateNotificationSettings(ctx context.Context, fid int64, enabled bool, token *string, url *string) error {
	result := r.db.WithContext(ctx).
		Model(&UserModel{}).
		Where("fid = ?", fid).
		Updates(map[string]any{
			"notifications_enabled": enabled,
			"notification_token":    token,
			"notification_url":      url,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormUserRepo) ListNotifiable(ctx context.Context, afterFID int64, limit int) ([]domain.Recipient, error) {
	var models []UserModel
	err := r.db.WithContext(ctx).
		Where("notifications_enabled = ? AND notification_url IS NOT NULL AND fid > ?", true, afterFID).
		Order("fid ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	recipients := make([]domain.Recipient, 0, len(models))
	for i := range models {
		recipients = append(recipients, *userModelToRecipient(&models[i]))
	}
	return recipients, nil
}
