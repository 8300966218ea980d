package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
)

// BatchQueue selects the next pending batch to run. Selection never locks; callers race on
// LockManager.Acquire.
type BatchQueue struct {
	batches repository.BatchRepository
	now     func() time.Time
}

func NewBatchQueue(batches repository.BatchRepository) (*BatchQueue, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	return &BatchQueue{batches: batches, now: time.Now}, nil
}

func (q *BatchQueue) NextEligible(ctx context.Context) (string, bool, error) {
	batch, err := q.batches.NextEligible(ctx, q.now().UTC())
	if err != nil {
		return "", false, fmt.Errorf("failed to select next batch: %w", err)
	}
	if batch == nil {
		return "", false, nil
	}
	return batch.ID, true, nil
}

// SetPriority clamps priority into range and returns the stored value.
func (q *BatchQueue) SetPriority(ctx context.Context, batchID string, priority int) (int, error) {
	clamped := domain.ClampPriority(priority)
	if err := q.batches.SetPriority(ctx, batchID, clamped); err != nil {
		return 0, err
	}
	return clamped, nil
}
