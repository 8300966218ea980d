package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/queue"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultRelayInterval  = 5 * time.Second
	defaultRelayBatchSize = 50
)

// NotificationRelay publishes undelivered batch notifications to the events queue and
// stamps them delivered. Delivery is at-least-once.
type NotificationRelay struct {
	notifications repository.NotificationRepository
	publisher     queue.Publisher
	logger        *zap.Logger
	metrics       *observability.Metrics
	interval      time.Duration
	limit         int
	now           func() time.Time
}

func NewNotificationRelay(
	notifications repository.NotificationRepository,
	publisher queue.Publisher,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*NotificationRelay, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	if limit <= 0 {
		limit = defaultRelayBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationRelay{
		notifications: notifications,
		publisher:     publisher,
		logger:        logger,
		interval:      interval,
		limit:         limit,
		now:           time.Now,
	}, nil
}

func (r *NotificationRelay) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *NotificationRelay) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := r.relayPending(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("notification relay initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.relayPending(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("notification relay scan failed", zap.Error(err))
			}
		}
	}
}

// relayPending publishes one page of undelivered notifications and returns how many were
// delivered. A publish failure leaves the notification pending for the next scan.
func (r *NotificationRelay) relayPending(ctx context.Context) (int, error) {
	pending, err := r.notifications.ListPending(ctx, r.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending notifications: %w", err)
	}

	delivered := 0
	for i := range pending {
		notification := pending[i]
		if err := r.publisher.PublishEvent(ctx, queue.NewBatchEventMessage(notification)); err != nil {
			r.logger.Error("failed to publish batch notification",
				zap.String("notificationId", notification.ID),
				zap.String("batchId", notification.BatchID),
				zap.Error(err),
			)
			continue
		}

		marked, err := r.notifications.MarkDelivered(ctx, notification.ID, r.now().UTC())
		if err != nil {
			r.logger.Error("failed to mark notification delivered",
				zap.String("notificationId", notification.ID),
				zap.Error(err),
			)
			continue
		}
		if marked {
			delivered++
			r.metrics.IncNotificationRelayed()
		}
	}

	if delivered > 0 {
		r.logger.Debug("batch notifications relayed", zap.Int("count", delivered))
	}
	return delivered, nil
}
