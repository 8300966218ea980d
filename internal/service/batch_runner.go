package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/admission"
	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunOutcome reports how a Run call ended.
type RunOutcome string

const (
	RunOutcomeCompleted RunOutcome = "completed"
	RunOutcomeBusy      RunOutcome = "busy"
	RunOutcomeSkipped   RunOutcome = "skipped"
)

func (o RunOutcome) String() string { return string(o) }

type RunResult struct {
	BatchID  string
	Outcome  RunOutcome
	Status   domain.BatchStatus
	Progress domain.Progress
}

// TradeRunner executes one trade. *TradeExecutor implements it.
type TradeRunner interface {
	Execute(ctx context.Context, trade domain.Trade) (domain.TradeStatus, error)
}

type BatchRunner struct {
	locks       *LockManager
	batches     repository.BatchRepository
	trades      repository.TradeRepository
	executor    TradeRunner
	progress    *ProgressAggregator
	emitter     *NotificationEmitter
	gate        admission.Gate
	lockTTL     time.Duration
	lockRefresh time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewBatchRunner(
	locks *LockManager,
	batches repository.BatchRepository,
	trades repository.TradeRepository,
	executor TradeRunner,
	progress *ProgressAggregator,
	emitter *NotificationEmitter,
	gate admission.Gate,
	lockTTL time.Duration,
	logger *zap.Logger,
) (*BatchRunner, error) {
	if locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if trades == nil {
		return nil, fmt.Errorf("trade repository is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("trade executor is required")
	}
	if progress == nil {
		return nil, fmt.Errorf("progress aggregator is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("admission gate is required")
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	lockRefresh := lockTTL / 3
	if lockRefresh <= 0 {
		lockRefresh = lockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchRunner{
		locks:       locks,
		batches:     batches,
		trades:      trades,
		executor:    executor,
		progress:    progress,
		emitter:     emitter,
		gate:        gate,
		lockTTL:     lockTTL,
		lockRefresh: lockRefresh,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (r *BatchRunner) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Run executes the pending trades of a batch under its lock and finalizes the batch. A
// lock held by another worker yields RunOutcomeBusy with a nil error. The lock is renewed
// while trades run and released on every path; a lock that cannot be renewed ends the run
// with domain.ErrLockLost.
func (r *BatchRunner) Run(ctx context.Context, batchID, holderID string) (result RunResult, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.WithContextLogger(r.logger, observability.WithBatchID(ctx, batchID)).
		With(zap.String("holderId", holderID))
	result = RunResult{BatchID: batchID}

	acquired, err := r.locks.Acquire(ctx, batchID, holderID, r.lockTTL)
	if err != nil {
		return result, err
	}
	if !acquired {
		result.Outcome = RunOutcomeBusy
		r.metrics.IncBatchRun(result.Outcome.String())
		logger.Debug("batch is locked by another worker")
		return result, nil
	}

	defer func() {
		released, releaseErr := r.locks.Release(context.WithoutCancel(ctx), batchID, holderID)
		if releaseErr != nil {
			err = multierr.Append(err, releaseErr)
			return
		}
		if !released {
			logger.Warn("batch lock was lost before release")
		}
	}()

	batch, err := r.batches.GetByID(ctx, batchID)
	if err != nil {
		return result, err
	}
	if batch.Status.IsTerminal() {
		return r.skipped(result, batch, logger), nil
	}

	if batch.Status == domain.BatchStatusPending {
		started, err := r.start(ctx, batch)
		if err != nil {
			return result, err
		}
		if !started {
			batch, err = r.batches.GetByID(ctx, batchID)
			if err != nil {
				return result, err
			}
			if batch.Status != domain.BatchStatusRunning {
				return r.skipped(result, batch, logger), nil
			}
		}
	}

	if err := r.runTrades(ctx, batch, holderID, logger); err != nil {
		return result, err
	}

	finalCtx := context.WithoutCancel(ctx)
	if err := r.finalize(finalCtx, batchID); err != nil {
		return result, err
	}
	batch, err = r.batches.GetByID(finalCtx, batchID)
	if err != nil {
		return result, err
	}
	status, progress := batch.Status, batch.Progress()

	result.Outcome = RunOutcomeCompleted
	result.Status = status
	result.Progress = progress
	r.metrics.IncBatchRun(result.Outcome.String())
	logger.Info("batch run finished",
		zap.String("status", status.String()),
		zap.Int("processed", progress.Processed),
		zap.Int("failed", progress.Failed),
	)
	return result, nil
}

func (r *BatchRunner) skipped(result RunResult, batch *domain.Batch, logger *zap.Logger) RunResult {
	result.Outcome = RunOutcomeSkipped
	result.Status = batch.Status
	result.Progress = batch.Progress()
	r.metrics.IncBatchRun(result.Outcome.String())
	logger.Info("batch not runnable, skipping", zap.String("status", batch.Status.String()))
	return result
}

func (r *BatchRunner) start(ctx context.Context, batch *domain.Batch) (bool, error) {
	if err := domain.ValidateBatchTransition(batch.Status, domain.BatchStatusRunning); err != nil {
		return false, err
	}

	started, err := r.batches.TransitionStatus(ctx, batch.ID, batch.Status, domain.BatchStatusRunning, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to start batch: %w", err)
	}
	if !started {
		return false, nil
	}

	batch.Status = domain.BatchStatusRunning
	r.emit(ctx, batch.ID, domain.NotificationStarted)
	return true, nil
}

// runTrades fans the pending trades out to a pool bounded by the batch's concurrency cap.
// Each trade also passes the admission gate before it reaches the gateway. Trades an
// earlier run left QUOTED are failed first.
func (r *BatchRunner) runTrades(ctx context.Context, batch *domain.Batch, holderID string, logger *zap.Logger) error {
	if err := r.batches.ResetSlots(ctx, batch.ID); err != nil {
		return fmt.Errorf("failed to reset concurrency slots: %w", err)
	}

	interrupted, err := r.trades.FailQuoted(ctx, batch.ID, domain.MessageInterrupted, r.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to fail interrupted trades: %w", err)
	}
	if interrupted > 0 {
		logger.Warn("failed trades interrupted before execution", zap.Int64("trades", interrupted))
	}

	pending, err := r.trades.ListByBatchAndStatus(ctx, batch.ID, domain.TradeStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending trades: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	stopRefresh := r.refreshLock(runCtx, batch.ID, holderID, cancelRun, logger)
	defer stopRefresh()

	g, groupCtx := errgroup.WithContext(runCtx)
	g.SetLimit(domain.EffectiveMaxConcurrent(batch.MaxConcurrentTrades))

	var dispatchErr error
	for i := range pending {
		trade := pending[i]

		current, err := r.batches.GetByID(groupCtx, batch.ID)
		if err != nil {
			dispatchErr = err
			break
		}
		if current.Status != domain.BatchStatusRunning {
			logger.Info("batch left running state, stopping dispatch",
				zap.String("status", current.Status.String()),
			)
			break
		}

		if err := admission.Wait(groupCtx, r.gate, batch.ID); err != nil {
			dispatchErr = err
			break
		}

		g.Go(func() error {
			defer func() {
				if leaveErr := r.gate.Leave(context.WithoutCancel(groupCtx), batch.ID); leaveErr != nil {
					logger.Error("failed to leave admission gate",
						zap.String("tradeId", trade.ID),
						zap.Error(leaveErr),
					)
				}
			}()

			r.metrics.IncTradesInFlight()
			defer r.metrics.DecTradesInFlight()

			status, err := r.executor.Execute(groupCtx, trade)
			if err != nil {
				return fmt.Errorf("trade %s: %w", trade.ID, err)
			}
			logger.Debug("trade finished",
				zap.String("tradeId", trade.ID),
				zap.String("status", status.String()),
			)
			return nil
		})
	}

	waitErr := g.Wait()
	if cause := context.Cause(runCtx); errors.Is(cause, domain.ErrLockLost) {
		return cause
	}
	if waitErr != nil {
		return waitErr
	}
	if dispatchErr != nil {
		return dispatchErr
	}
	return ctx.Err()
}

// refreshLock renews the batch lock every lockRefresh until stop is called. A renewal that
// fails or finds the lock taken cancels the run with domain.ErrLockLost.
func (r *BatchRunner) refreshLock(
	ctx context.Context,
	batchID, holderID string,
	lost context.CancelCauseFunc,
	logger *zap.Logger,
) (stop func()) {
	refreshCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(r.lockRefresh)
		defer ticker.Stop()

		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
			}

			held, err := r.locks.Acquire(refreshCtx, batchID, holderID, r.lockTTL)
			if refreshCtx.Err() != nil {
				return
			}
			if err != nil || !held {
				logger.Error("failed to refresh batch lock, stopping dispatch",
					zap.Bool("held", held),
					zap.Error(err),
				)
				lost(fmt.Errorf("%w: batch %s, holder %s", domain.ErrLockLost, batchID, holderID))
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// finalize recomputes the counters and applies the final status once every trade is
// terminal.
func (r *BatchRunner) finalize(ctx context.Context, batchID string) error {
	if _, err := r.progress.Recompute(ctx, batchID); err != nil {
		return err
	}

	_, applied, err := r.progress.DeriveFinalStatus(ctx, batchID)
	if err != nil {
		return err
	}
	if applied {
		r.emit(ctx, batchID, domain.NotificationCompletion)
	}
	return nil
}

// Cancel stops a PENDING or RUNNING batch. Open trades are cancelled; EXECUTING trades are
// left to finish.
func (r *BatchRunner) Cancel(ctx context.Context, batchID string) (*domain.Batch, error) {
	batch, err := r.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateBatchTransition(batch.Status, domain.BatchStatusCancelled); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	cancelled, err := r.batches.TransitionStatus(ctx, batchID, batch.Status, domain.BatchStatusCancelled, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel batch: %w", err)
	}
	if !cancelled {
		current, err := r.batches.GetByID(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: batch is already %s", domain.ErrInvalidTransition, current.Status)
		}
		return nil, fmt.Errorf("%w: batch status changed during cancel", domain.ErrConflict)
	}

	trades, err := r.trades.CancelOpen(ctx, batchID, domain.MessageBatchCancelled, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel open trades: %w", err)
	}
	if _, err := r.progress.Recompute(ctx, batchID); err != nil {
		return nil, err
	}
	r.emit(ctx, batchID, domain.NotificationCancelled)

	r.logger.Info("batch cancelled",
		zap.String("batchId", batchID),
		zap.Int64("tradesCancelled", trades),
	)
	return r.batches.GetByID(ctx, batchID)
}

func (r *BatchRunner) emit(ctx context.Context, batchID string, notificationType domain.NotificationType) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ctx, batchID, notificationType); err != nil {
		r.logger.Error("failed to emit batch notification",
			zap.String("batchId", batchID),
			zap.String("type", notificationType.String()),
			zap.Error(err),
		)
	}
}

// IsBusy reports whether a run ended because another worker holds the lock.
func (r RunResult) IsBusy() bool {
	return r.Outcome == RunOutcomeBusy
}
