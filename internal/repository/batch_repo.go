package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"gorm.io/gorm"
)

const (
	defaultListPageSize = 50
	maxListPageSize     = 100
)

// BatchListParams filters and pages batch searches.
type BatchListParams struct {
	Status   *domain.BatchStatus
	SortBy   string
	SortDesc bool
	Page     int
	PageSize int
}

var batchSortColumns = map[string]string{
	"createdAt":   "created_at",
	"updatedAt":   "updated_at",
	"priority":    "priority",
	"status":      "status",
	"totalTrades": "total_trades",
}

// IsBatchSortField reports whether field is accepted by List.
func IsBatchSortField(field string) bool {
	_, ok := batchSortColumns[field]
	return ok
}

type BatchRepository interface {
	Create(ctx context.Context, b *domain.Batch, trades []*domain.Trade) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	GetByUID(ctx context.Context, uid string) (*domain.Batch, error)
	List(ctx context.Context, params BatchListParams) ([]domain.Batch, int64, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.BatchStatus, at time.Time) (bool, error)
	RefreshProgress(ctx context.Context, id string, at time.Time) error
	SetPriority(ctx context.Context, id string, priority int) error
	Delete(ctx context.Context, id string) error

	AcquireLock(ctx context.Context, id, holderID string, now, expiresAt time.Time) (bool, error)
	ReleaseLock(ctx context.Context, id, holderID string) (bool, error)
	SweepExpiredLocks(ctx context.Context, now time.Time) (int64, error)
	ListLocked(ctx context.Context) ([]domain.LockInfo, error)
	NextEligible(ctx context.Context, now time.Time) (*domain.Batch, error)

	TryEnterSlot(ctx context.Context, id string) (bool, error)
	LeaveSlot(ctx context.Context, id string) error
	ResetSlots(ctx context.Context, id string) error
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

// Create stores the batch and its trades in one transaction. The batch is queued behind
// every existing batch.
func (r *GormBatchRepo) Create(ctx context.Context, b *domain.Batch, trades []*domain.Trade) error {
	if b == nil {
		return fmt.Errorf("%w: batch is required", domain.ErrValidation)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lastPosition int
		if err := tx.Model(&BatchModel{}).
			Select("COALESCE(MAX(queue_position), 0)").
			Scan(&lastPosition).Error; err != nil {
			return err
		}

		model := batchModelFromDomain(b)
		model.QueuePosition = lastPosition + 1
		if err := tx.Create(model).Error; err != nil {
			return err
		}

		tradeModels := make([]TradeModel, 0, len(trades))
		for _, t := range trades {
			if tm := tradeModelFromDomain(t); tm != nil {
				tm.BatchID = model.ID
				tradeModels = append(tradeModels, *tm)
			}
		}
		if len(tradeModels) > 0 {
			if err := tx.CreateInBatches(&tradeModels, 100).Error; err != nil {
				return err
			}
		}

		*b = *batchModelToDomain(model)
		idx := 0
		for _, t := range trades {
			if t == nil {
				continue
			}
			*t = *tradeModelToDomain(&tradeModels[idx])
			idx++
		}
		return nil
	})
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) GetByUID(ctx context.Context, uid string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "uid = ?", uid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) List(ctx context.Context, params BatchListParams) ([]domain.Batch, int64, error) {
	query := r.db.WithContext(ctx).Model(&BatchModel{})
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = defaultListPageSize
	}
	pageSize = min(pageSize, maxListPageSize)

	column, ok := batchSortColumns[params.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "ASC"
	if params.SortDesc {
		direction = "DESC"
	}

	var models []BatchModel
	err := query.
		Order(column + " " + direction).
		Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}
	return batches, total, nil
}

// TransitionStatus moves the batch from -> to only if it is still in from. RUNNING stamps
// started_at and terminal statuses stamp completed_at.
func (r *GormBatchRepo) TransitionStatus(ctx context.Context, id string, from, to domain.BatchStatus, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": at,
	}
	if to == domain.BatchStatusRunning {
		updates["started_at"] = at
	}
	if to.IsTerminal() {
		updates["completed_at"] = at
	}

	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RefreshProgress recounts the batch's trades inside a single UPDATE. The processed guard
// keeps a refresh computed from an older snapshot from overwriting newer counts; processed
// never decreases because terminal trades stay terminal.
func (r *GormBatchRepo) RefreshProgress(ctx context.Context, id string, at time.Time) error {
	terminal := []domain.TradeStatus{
		domain.TradeStatusSuccess,
		domain.TradeStatusFailed,
		domain.TradeStatusCancelled,
	}
	countTrades := func(query string, args ...any) *gorm.DB {
		return r.db.Model(&TradeModel{}).Select("COUNT(*)").Where(query, args...)
	}

	return r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ?", id).
		Where("processed_trades <= (?)", countTrades("batch_id = ? AND status IN ?", id, terminal)).
		Updates(map[string]any{
			"total_trades":     countTrades("batch_id = ?", id),
			"processed_trades": countTrades("batch_id = ? AND status IN ?", id, terminal),
			"failed_trades":    countTrades("batch_id = ? AND status = ?", id, domain.TradeStatusFailed),
			"updated_at":       at,
		}).Error
}

func (r *GormBatchRepo) SetPriority(ctx context.Context, id string, priority int) error {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ?", id).
		Update("priority", priority)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a terminal batch together with its trades and notifications.
func (r *GormBatchRepo) Delete(ctx context.Context, id string) error {
	terminal := []domain.BatchStatus{
		domain.BatchStatusSuccess,
		domain.BatchStatusPartialSuccess,
		domain.BatchStatusFailed,
		domain.BatchStatusCancelled,
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND status IN ?", id, terminal).Delete(&BatchModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&BatchModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return domain.ErrNotFound
			}
			return fmt.Errorf("%w: only completed batches can be deleted", domain.ErrConflict)
		}

		if err := tx.Where("batch_id = ?", id).Delete(&TradeModel{}).Error; err != nil {
			return err
		}
		return tx.Where("batch_id = ?", id).Delete(&BatchNotificationModel{}).Error
	})
}

// AcquireLock takes the batch lock with a single conditional update. It succeeds when the
// lock is free, expired, or already held by holderID.
func (r *GormBatchRepo) AcquireLock(ctx context.Context, id, holderID string, now, expiresAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND (locked_by IS NULL OR lock_expires_at <= ? OR locked_by = ?)", id, now, holderID).
		UpdateColumns(map[string]any{
			"locked_by":       holderID,
			"locked_at":       now,
			"lock_expires_at": expiresAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormBatchRepo) ReleaseLock(ctx context.Context, id, holderID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND locked_by = ?", id, holderID).
		UpdateColumns(clearedLockColumns())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormBatchRepo) SweepExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("locked_by IS NOT NULL AND lock_expires_at <= ?", now).
		UpdateColumns(clearedLockColumns())
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormBatchRepo) ListLocked(ctx context.Context) ([]domain.LockInfo, error) {
	var models []BatchModel
	err := r.db.WithContext(ctx).
		Where("locked_by IS NOT NULL").
		Order("locked_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	locks := make([]domain.LockInfo, 0, len(models))
	for _, m := range models {
		info := domain.LockInfo{
			BatchID: m.ID,
			UID:     m.UID,
			Status:  m.Status,
		}
		if m.LockedBy != nil {
			info.LockedBy = *m.LockedBy
		}
		if m.LockedAt != nil {
			info.LockedAt = *m.LockedAt
		}
		if m.LockExpiresAt != nil {
			info.ExpiresAt = *m.LockExpiresAt
		}
		locks = append(locks, info)
	}
	return locks, nil
}

// NextEligible returns the highest priority pending batch without a live lock, or nil.
func (r *GormBatchRepo) NextEligible(ctx context.Context, now time.Time) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND (locked_by IS NULL OR lock_expires_at <= ?)", domain.BatchStatusPending, now).
		Order("priority DESC").
		Order("queue_position ASC").
		Order("created_at ASC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

// TryEnterSlot increments current_concurrent_trades if it is below the batch's cap.
func (r *GormBatchRepo) TryEnterSlot(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where(
			"id = ? AND current_concurrent_trades < CASE WHEN max_concurrent_trades > 0 THEN max_concurrent_trades ELSE ? END",
			id, domain.DefaultMaxConcurrentTrades,
		).
		UpdateColumn("current_concurrent_trades", gorm.Expr("current_concurrent_trades + 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// LeaveSlot decrements current_concurrent_trades, never below zero.
func (r *GormBatchRepo) LeaveSlot(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND current_concurrent_trades > 0", id).
		UpdateColumn("current_concurrent_trades", gorm.Expr("current_concurrent_trades - 1")).Error
}

// ResetSlots zeroes the in-flight counter. Callers must hold the batch lock.
func (r *GormBatchRepo) ResetSlots(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ?", id).
		UpdateColumn("current_concurrent_trades", 0).Error
}

func clearedLockColumns() map[string]any {
	return map[string]any{
		"locked_by":       nil,
		"locked_at":       nil,
		"lock_expires_at": nil,
	}
}
