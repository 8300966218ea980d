package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/queue"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxBatchSize = 1000

// BatchService is the API-facing entry point for staging, inspecting and steering batches.
type BatchService struct {
	batches       repository.BatchRepository
	trades        repository.TradeRepository
	notifications repository.NotificationRepository
	runner        *BatchRunner
	batchQueue    *BatchQueue
	locks         *LockManager
	publisher     queue.Publisher
	logger        *zap.Logger
	now           func() time.Time
	newID         func() string
}

type TradeInput struct {
	ClientID  string
	AmountZAR decimal.Decimal
}

type CreateBatchInput struct {
	UID                 string
	Priority            *int
	MaxConcurrentTrades *int
	Trades              []TradeInput
}

type TradeFilter struct {
	Status *domain.TradeStatus
}

func NewBatchService(
	batches repository.BatchRepository,
	trades repository.TradeRepository,
	notifications repository.NotificationRepository,
	runner *BatchRunner,
	batchQueue *BatchQueue,
	locks *LockManager,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*BatchService, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if trades == nil {
		return nil, fmt.Errorf("trade repository is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("batch runner is required")
	}
	if batchQueue == nil {
		return nil, fmt.Errorf("batch queue is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		batches:       batches,
		trades:        trades,
		notifications: notifications,
		runner:        runner,
		batchQueue:    batchQueue,
		locks:         locks,
		publisher:     publisher,
		logger:        logger,
		now:           time.Now,
		newID:         uuid.NewString,
	}, nil
}

// CreateBatch stages a PENDING batch and its trades in one transaction.
func (s *BatchService) CreateBatch(ctx context.Context, input CreateBatchInput) (*domain.Batch, []domain.Trade, error) {
	if len(input.Trades) == 0 {
		return nil, nil, fmt.Errorf("%w: batch must include at least one trade", domain.ErrValidation)
	}
	if len(input.Trades) > maxBatchSize {
		return nil, nil, fmt.Errorf("%w: batch size exceeds %d", domain.ErrValidation, maxBatchSize)
	}

	now := s.now().UTC()
	trades := make([]*domain.Trade, 0, len(input.Trades))
	for i, in := range input.Trades {
		trade := &domain.Trade{
			ID:        s.newID(),
			ClientID:  strings.TrimSpace(in.ClientID),
			AmountZAR: in.AmountZAR,
			Status:    domain.TradeStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := trade.Validate(); err != nil {
			return nil, nil, fmt.Errorf("trade %d: %w", i, err)
		}
		trades = append(trades, trade)
	}

	uid := strings.TrimSpace(input.UID)
	if uid == "" {
		uid = s.newID()
	}
	priority := domain.DefaultBatchPriority
	if input.Priority != nil {
		priority = domain.ClampPriority(*input.Priority)
	}
	maxConcurrent := domain.DefaultMaxConcurrentTrades
	if input.MaxConcurrentTrades != nil {
		if *input.MaxConcurrentTrades < 1 {
			return nil, nil, fmt.Errorf("%w: maxConcurrentTrades must be positive", domain.ErrValidation)
		}
		maxConcurrent = *input.MaxConcurrentTrades
	}

	batch := &domain.Batch{
		ID:                  s.newID(),
		UID:                 uid,
		Status:              domain.BatchStatusPending,
		TotalTrades:         len(trades),
		Priority:            priority,
		MaxConcurrentTrades: maxConcurrent,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.batches.Create(ctx, batch, trades); err != nil {
		if isUniqueViolationError(err) {
			return nil, nil, fmt.Errorf("%w: batch uid %q already exists", domain.ErrConflict, uid)
		}
		return nil, nil, err
	}

	created := make([]domain.Trade, 0, len(trades))
	for _, trade := range trades {
		created = append(created, *trade)
	}

	s.logger.Info("batch staged",
		zap.String("batchId", batch.ID),
		zap.String("uid", batch.UID),
		zap.Int("trades", batch.TotalTrades),
		zap.Int("priority", batch.Priority),
	)
	return batch, created, nil
}

func (s *BatchService) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	id, err := requireID(id)
	if err != nil {
		return nil, err
	}
	return s.batches.GetByID(ctx, id)
}

func (s *BatchService) GetProgress(ctx context.Context, id string) (domain.Progress, error) {
	batch, err := s.GetBatch(ctx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	return batch.Progress(), nil
}

func (s *BatchService) ListBatches(ctx context.Context, params repository.BatchListParams) ([]domain.Batch, int64, error) {
	if params.SortBy != "" && !repository.IsBatchSortField(params.SortBy) {
		return nil, 0, fmt.Errorf("%w: unsupported sort field %q", domain.ErrValidation, params.SortBy)
	}
	return s.batches.List(ctx, params)
}

func (s *BatchService) ListTrades(ctx context.Context, batchID string, filter TradeFilter) ([]domain.Trade, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if filter.Status != nil {
		return s.trades.ListByBatchAndStatus(ctx, batch.ID, *filter.Status)
	}
	return s.trades.ListByBatch(ctx, batch.ID)
}

// ErrorSummary groups a batch's failed trades by failure message.
func (s *BatchService) ErrorSummary(ctx context.Context, batchID string) ([]domain.TradeErrorSummary, error) {
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return s.trades.ErrorSummary(ctx, batch.ID)
}

func (s *BatchService) ListNotifications(ctx context.Context, batchID string) ([]domain.BatchNotification, error) {
	if s.notifications == nil {
		return nil, fmt.Errorf("notification repository is not configured")
	}
	batch, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return s.notifications.ListByBatch(ctx, batch.ID)
}

// DeleteBatch removes a terminal batch with its trades and notifications.
func (s *BatchService) DeleteBatch(ctx context.Context, id string) error {
	id, err := requireID(id)
	if err != nil {
		return err
	}
	if err := s.batches.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("batch deleted", zap.String("batchId", id))
	return nil
}

// EnqueueRun publishes a run request for a worker to pick up.
func (s *BatchService) EnqueueRun(ctx context.Context, id string) (*domain.Batch, error) {
	if s.publisher == nil {
		return nil, fmt.Errorf("publisher is not configured")
	}

	batch, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: batch is already %s", domain.ErrInvalidTransition, batch.Status)
	}

	requestID, _ := observability.RequestIDFromContext(ctx)
	msg := queue.RunBatchMessage{
		BatchID:   batch.ID,
		RequestID: requestID,
		Priority:  batch.Priority,
	}
	if err := s.publisher.PublishRun(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue batch run: %w", err)
	}

	s.logger.Info("batch run enqueued",
		zap.String("batchId", batch.ID),
		zap.String("requestId", requestID),
	)
	return batch, nil
}

func (s *BatchService) CancelBatch(ctx context.Context, id string) (*domain.Batch, error) {
	id, err := requireID(id)
	if err != nil {
		return nil, err
	}
	return s.runner.Cancel(ctx, id)
}

func (s *BatchService) SetPriority(ctx context.Context, id string, priority int) (int, error) {
	id, err := requireID(id)
	if err != nil {
		return 0, err
	}
	return s.batchQueue.SetPriority(ctx, id, priority)
}

// NextEligible returns the batch a dispatcher would pick next, if any.
func (s *BatchService) NextEligible(ctx context.Context) (*domain.Batch, error) {
	id, ok, err := s.batchQueue.NextEligible(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.batches.GetByID(ctx, id)
}

func (s *BatchService) ListLocked(ctx context.Context) ([]domain.LockInfo, error) {
	return s.locks.ListLocked(ctx)
}

func (s *BatchService) SweepLocks(ctx context.Context) (int64, error) {
	return s.locks.SweepExpired(ctx)
}

func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	return id, nil
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
