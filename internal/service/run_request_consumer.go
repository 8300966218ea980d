package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minConsumerConcurrency = 1

// RunRequestConsumer runs batches requested through the run queue.
type RunRequestConsumer struct {
	consumer    queue.Consumer
	run         BatchRunFunc
	holderID    string
	concurrency int
	logger      *zap.Logger
}

func NewRunRequestConsumer(
	consumer queue.Consumer,
	run BatchRunFunc,
	holderID string,
	concurrency int,
	logger *zap.Logger,
) (*RunRequestConsumer, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if run == nil {
		return nil, fmt.Errorf("run function is required")
	}
	if holderID == "" {
		return nil, fmt.Errorf("holder id is required")
	}
	if concurrency < minConsumerConcurrency {
		concurrency = minConsumerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RunRequestConsumer{
		consumer:    consumer,
		run:         run,
		holderID:    holderID,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

func (c *RunRequestConsumer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < c.concurrency; i++ {
		consumerID := i + 1
		holderID := c.consumerHolderID(consumerID)
		g.Go(func() error {
			c.logger.Info("run request consumer started",
				zap.Int("consumerId", consumerID),
				zap.String("holderId", holderID),
				zap.String("queue", queue.RunQueue),
			)

			handler := func(ctx context.Context, msg queue.RunBatchMessage) error {
				return c.handle(ctx, holderID, msg)
			}
			if err := c.consumer.Consume(groupCtx, queue.RunQueue, handler); err != nil {
				c.logger.Error("run request consumer stopped with error",
					zap.Int("consumerId", consumerID),
					zap.Error(err),
				)
				return err
			}

			c.logger.Info("run request consumer stopped", zap.Int("consumerId", consumerID))
			return nil
		})
	}
	return g.Wait()
}

func (c *RunRequestConsumer) consumerHolderID(consumerID int) string {
	return fmt.Sprintf("%s/consumer-%d", c.holderID, consumerID)
}

// handle runs the requested batch as holderID. A busy batch is acknowledged because its
// holder is already running it; a missing batch is dropped.
func (c *RunRequestConsumer) handle(ctx context.Context, holderID string, msg queue.RunBatchMessage) error {
	if msg.RequestID != "" {
		ctx = observability.WithRequestID(ctx, msg.RequestID)
	}
	ctx = observability.WithBatchID(ctx, msg.BatchID)
	logger := observability.WithContextLogger(c.logger, ctx)

	result, err := c.run(ctx, msg.BatchID, holderID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("batch not found for run request, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run batch: %w", err)
	}

	logger.Info("run request handled",
		zap.String("outcome", result.Outcome.String()),
		zap.String("status", result.Status.String()),
	)
	return nil
}
