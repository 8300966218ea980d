package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
)

// NotificationEmitter appends batch lifecycle snapshots. Delivery is the relay's concern.
type NotificationEmitter struct {
	batches       repository.BatchRepository
	notifications repository.NotificationRepository
	now           func() time.Time
	newID         func() string
}

func NewNotificationEmitter(
	batches repository.BatchRepository,
	notifications repository.NotificationRepository,
) (*NotificationEmitter, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}

	return &NotificationEmitter{
		batches:       batches,
		notifications: notifications,
		now:           time.Now,
		newID:         uuid.NewString,
	}, nil
}

func (e *NotificationEmitter) Emit(ctx context.Context, batchID string, notificationType domain.NotificationType) error {
	if !notificationType.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", domain.ErrValidation, notificationType)
	}

	batch, err := e.batches.GetByID(ctx, batchID)
	if err != nil {
		return err
	}

	notification := &domain.BatchNotification{
		ID:        e.newID(),
		BatchID:   batch.ID,
		Type:      notificationType,
		Snapshot:  domain.SnapshotOf(*batch),
		CreatedAt: e.now().UTC(),
	}
	if err := e.notifications.Append(ctx, notification); err != nil {
		return fmt.Errorf("failed to append %s notification: %w", notificationType, err)
	}
	return nil
}
