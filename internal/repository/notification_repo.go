package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"gorm.io/gorm"
)

type NotificationRepository interface {
	Append(ctx context.Context, n *domain.BatchNotification) error
	ListPending(ctx context.Context, limit int) ([]domain.BatchNotification, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.BatchNotification, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error)
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Append(ctx context.Context, n *domain.BatchNotification) error {
	model, err := notificationModelFromDomain(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification snapshot: %w", err)
	}
	if model == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}
	return r.db.WithContext(ctx).Create(model).Error
}

// ListPending returns undelivered notifications, oldest first.
func (r *GormNotificationRepo) ListPending(ctx context.Context, limit int) ([]domain.BatchNotification, error) {
	var models []BatchNotificationModel
	err := r.db.WithContext(ctx).
		Where("delivered_at IS NULL").
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationsToDomain(models)
}

func (r *GormNotificationRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.BatchNotification, error) {
	var models []BatchNotificationModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return notificationsToDomain(models)
}

// MarkDelivered stamps delivered_at once; a second call reports false.
func (r *GormNotificationRepo) MarkDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchNotificationModel{}).
		Where("id = ? AND delivered_at IS NULL", id).
		Update("delivered_at", at)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func notificationsToDomain(models []BatchNotificationModel) ([]domain.BatchNotification, error) {
	notifications := make([]domain.BatchNotification, 0, len(models))
	for i := range models {
		n, err := notificationModelToDomain(&models[i])
		if err != nil {
			return nil, fmt.Errorf("failed to decode notification %s: %w", models[i].ID, err)
		}
		notifications = append(notifications, *n)
	}
	return notifications, nil
}
