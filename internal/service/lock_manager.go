package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"go.uber.org/zap"
)

const DefaultLockTTL = 300 * time.Second

// LockManager is the cross-process batch mutex. Expiry is wall-clock based; there is no
// fencing token, so a holder that outlives its ttl can overlap with the next holder.
type LockManager struct {
	batches repository.BatchRepository
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewLockManager(batches repository.BatchRepository, logger *zap.Logger) (*LockManager, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LockManager{
		batches: batches,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (m *LockManager) SetMetrics(metrics *observability.Metrics) {
	if m == nil {
		return
	}
	m.metrics = metrics
}

// Acquire takes the lock for holderID. A lock held by someone else is reported as false
// with a nil error.
func (m *LockManager) Acquire(ctx context.Context, batchID, holderID string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(holderID) == "" {
		return false, fmt.Errorf("%w: holderId is required", domain.ErrValidation)
	}
	if ttl < 0 {
		return false, fmt.Errorf("%w: lock ttl must not be negative", domain.ErrValidation)
	}

	now := m.now().UTC()
	acquired, err := m.batches.AcquireLock(ctx, batchID, holderID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to acquire batch lock: %w", err)
	}
	if acquired {
		return true, nil
	}

	// Zero rows also means the batch does not exist.
	if _, err := m.batches.GetByID(ctx, batchID); err != nil {
		return false, err
	}
	return false, nil
}

func (m *LockManager) Release(ctx context.Context, batchID, holderID string) (bool, error) {
	released, err := m.batches.ReleaseLock(ctx, batchID, holderID)
	if err != nil {
		return false, fmt.Errorf("failed to release batch lock: %w", err)
	}
	return released, nil
}

// SweepExpired clears every expired lock regardless of holder.
func (m *LockManager) SweepExpired(ctx context.Context) (int64, error) {
	swept, err := m.batches.SweepExpiredLocks(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired locks: %w", err)
	}
	if swept > 0 {
		m.metrics.AddLocksSwept(swept)
		m.logger.Info("expired batch locks swept", zap.Int64("count", swept))
	}
	return swept, nil
}

func (m *LockManager) ListLocked(ctx context.Context) ([]domain.LockInfo, error) {
	return m.batches.ListLocked(ctx)
}
