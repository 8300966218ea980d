package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"go.uber.org/zap"
)

// ProgressAggregator keeps a batch's counters in line with its trades and moves the batch
// to its final status once every trade is terminal.
type ProgressAggregator struct {
	batches repository.BatchRepository
	trades  repository.TradeRepository
	emitter *NotificationEmitter
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewProgressAggregator(
	batches repository.BatchRepository,
	trades repository.TradeRepository,
	emitter *NotificationEmitter,
	logger *zap.Logger,
) (*ProgressAggregator, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if trades == nil {
		return nil, fmt.Errorf("trade repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProgressAggregator{
		batches: batches,
		trades:  trades,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (a *ProgressAggregator) SetMetrics(metrics *observability.Metrics) {
	if a == nil {
		return
	}
	a.metrics = metrics
}

// Recompute refreshes the batch counters from its trades and returns the stored progress.
// Concurrent calls never move the counters backwards.
func (a *ProgressAggregator) Recompute(ctx context.Context, batchID string) (domain.Progress, error) {
	if err := a.batches.RefreshProgress(ctx, batchID, a.now().UTC()); err != nil {
		return domain.Progress{}, fmt.Errorf("failed to update batch progress: %w", err)
	}

	batch, err := a.batches.GetByID(ctx, batchID)
	if err != nil {
		return domain.Progress{}, err
	}
	return batch.Progress(), nil
}

// DeriveFinalStatus applies the final status when all trades are terminal. applied is false
// when trades are still open or the batch cannot move (already terminal or not running).
func (a *ProgressAggregator) DeriveFinalStatus(ctx context.Context, batchID string) (domain.BatchStatus, bool, error) {
	batch, err := a.batches.GetByID(ctx, batchID)
	if err != nil {
		return "", false, err
	}
	if batch.Status.IsTerminal() {
		return batch.Status, false, nil
	}

	counts, err := a.counts(ctx, batchID)
	if err != nil {
		return "", false, err
	}
	if !counts.AllTerminal() {
		return batch.Status, false, nil
	}

	final := domain.FinalBatchStatus(counts)
	if err := domain.ValidateBatchTransition(batch.Status, final); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return batch.Status, false, nil
		}
		return "", false, err
	}

	applied, err := a.batches.TransitionStatus(ctx, batchID, batch.Status, final, a.now().UTC())
	if err != nil {
		return "", false, fmt.Errorf("failed to apply final batch status: %w", err)
	}
	if !applied {
		current, err := a.batches.GetByID(ctx, batchID)
		if err != nil {
			return "", false, err
		}
		return current.Status, false, nil
	}

	a.metrics.IncBatchFinalized(final.String())
	a.logger.Info("batch finalized",
		zap.String("batchId", batchID),
		zap.String("status", final.String()),
		zap.Int("total", counts.Total),
		zap.Int("failed", counts.Failed),
	)
	a.emit(ctx, batchID, domain.NotificationStatusChange)

	return final, true, nil
}

func (a *ProgressAggregator) counts(ctx context.Context, batchID string) (domain.TradeCounts, error) {
	rows, err := a.trades.CountByStatus(ctx, batchID)
	if err != nil {
		return domain.TradeCounts{}, fmt.Errorf("failed to count batch trades: %w", err)
	}
	return domain.CountTrades(rows), nil
}

// emit records a notification and logs failures without returning them.
func (a *ProgressAggregator) emit(ctx context.Context, batchID string, notificationType domain.NotificationType) {
	if a.emitter == nil {
		return
	}
	if err := a.emitter.Emit(ctx, batchID, notificationType); err != nil {
		a.logger.Error("failed to emit batch notification",
			zap.String("batchId", batchID),
			zap.String("type", notificationType.String()),
			zap.Error(err),
		)
	}
}
