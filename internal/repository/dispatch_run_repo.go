package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"gorm.io/gorm"
)

type DispatchRunRepository interface {
	Create(ctx context.Context, run *domain.DispatchRun) error
	Latest(ctx context.Context) (*domain.DispatchRun, error)
}

type GormDispatchRunRepo struct {
	db *gorm.DB
}

func NewGormDispatchRunRepo(db *gorm.DB) *GormDispatchRunRepo {
	return &GormDispatchRunRepo{db: db}
}

func (r *GormDispatchRunRepo) Create(ctx context.Context, run *domain.DispatchRun) error {
	model := dispatchRunModelFromDomain(run)
	if model == nil {
		return domain.ErrValidation
	}
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *GormDispatchRunRepo) Latest(ctx context.Context) (*domain.DispatchRun, error) {
	var model DispatchRunModel
	err := r.db.WithContext(ctx).Order("finished_at DESC").First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return dispatchRunModelToDomain(&model), nil
}
