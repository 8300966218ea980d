package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minDispatchWorkers      = 1
	defaultDispatchInterval = 5 * time.Second
)

// BatchRunFunc runs one batch on behalf of holderID. *BatchRunner.Run satisfies it.
type BatchRunFunc func(ctx context.Context, batchID, holderID string) (RunResult, error)

// Dispatcher pulls the next eligible batch from the queue and runs it. Each worker locks
// batches under its own holder id derived from the process holder id, since the batch lock
// treats a matching holder as a refresh.
type Dispatcher struct {
	batchQueue *BatchQueue
	run        BatchRunFunc
	holderID   string
	workers    int
	interval   time.Duration
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(
	batchQueue *BatchQueue,
	run BatchRunFunc,
	holderID string,
	workers int,
	interval time.Duration,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if batchQueue == nil {
		return nil, fmt.Errorf("batch queue is required")
	}
	if run == nil {
		return nil, fmt.Errorf("run function is required")
	}
	if holderID == "" {
		return nil, fmt.Errorf("holder id is required")
	}
	if workers < minDispatchWorkers {
		workers = minDispatchWorkers
	}
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		batchQueue: batchQueue,
		run:        run,
		holderID:   holderID,
		workers:    workers,
		interval:   interval,
		logger:     logger,
		sleep:      sleepWithContext,
	}, nil
}

// Start runs the dispatch workers until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		workerID := i + 1
		holderID := d.workerHolderID(workerID)
		g.Go(func() error {
			d.logger.Info("dispatch worker started",
				zap.Int("workerId", workerID),
				zap.String("holderId", holderID),
			)
			d.loop(groupCtx, workerID, holderID)
			d.logger.Info("dispatch worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) workerHolderID(workerID int) string {
	return fmt.Sprintf("%s/dispatch-%d", d.holderID, workerID)
}

func (d *Dispatcher) loop(ctx context.Context, workerID int, holderID string) {
	for ctx.Err() == nil {
		ran, err := d.dispatchOnce(ctx, holderID)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch failed", zap.Int("workerId", workerID), zap.Error(err))
		}
		if ran && err == nil {
			continue
		}
		if sleepErr := d.sleep(ctx, d.interval); sleepErr != nil {
			return
		}
	}
}

// dispatchOnce runs the next eligible batch. ran is false when the queue was empty or the
// batch was taken by another worker.
func (d *Dispatcher) dispatchOnce(ctx context.Context, holderID string) (bool, error) {
	batchID, ok, err := d.batchQueue.NextEligible(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	result, err := d.run(ctx, batchID, holderID)
	if err != nil {
		return false, fmt.Errorf("batch %s: %w", batchID, err)
	}
	return !result.IsBusy(), nil
}
