package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = 30 * time.Second

// LockSweeper periodically clears batch locks whose holders let them expire.
type LockSweeper struct {
	locks    *LockManager
	logger   *zap.Logger
	interval time.Duration
}

func NewLockSweeper(locks *LockManager, interval time.Duration, logger *zap.Logger) (*LockSweeper, error) {
	if locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LockSweeper{
		locks:    locks,
		logger:   logger,
		interval: interval,
	}, nil
}

func (s *LockSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.locks.SweepExpired(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("lock sweeper initial sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.locks.SweepExpired(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("lock sweep failed", zap.Error(err))
			}
		}
	}
}
