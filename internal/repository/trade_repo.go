package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeUpdate carries the fields written alongside a trade status change.
type TradeUpdate struct {
	Message       string
	QuoteID       *string
	QuoteRate     *decimal.Decimal
	SettlementID  *string
	SettlementRef *string
}

type TradeRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Trade, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.Trade, error)
	ListByBatchAndStatus(ctx context.Context, batchID string, status domain.TradeStatus) ([]domain.Trade, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.TradeStatus, update TradeUpdate, at time.Time) (bool, error)
	CancelOpen(ctx context.Context, batchID string, message string, at time.Time) (int64, error)
	FailQuoted(ctx context.Context, batchID string, message string, at time.Time) (int64, error)
	CountByStatus(ctx context.Context, batchID string) ([]domain.TradeStatusCount, error)
	ErrorSummary(ctx context.Context, batchID string) ([]domain.TradeErrorSummary, error)
}

type GormTradeRepo struct {
	db *gorm.DB
}

func NewGormTradeRepo(db *gorm.DB) *GormTradeRepo {
	return &GormTradeRepo{db: db}
}

func (r *GormTradeRepo) GetByID(ctx context.Context, id string) (*domain.Trade, error) {
	var model TradeModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tradeModelToDomain(&model), nil
}

func (r *GormTradeRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Trade, error) {
	return r.list(r.db.WithContext(ctx).Where("batch_id = ?", batchID))
}

func (r *GormTradeRepo) ListByBatchAndStatus(ctx context.Context, batchID string, status domain.TradeStatus) ([]domain.Trade, error) {
	return r.list(r.db.WithContext(ctx).Where("batch_id = ? AND status = ?", batchID, status))
}

func (r *GormTradeRepo) list(query *gorm.DB) ([]domain.Trade, error) {
	var models []TradeModel
	if err := query.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	trades := make([]domain.Trade, 0, len(models))
	for i := range models {
		trades = append(trades, *tradeModelToDomain(&models[i]))
	}
	return trades, nil
}

// TransitionStatus applies the update only while the trade is still in from, so terminal
// trades are never rewritten.
func (r *GormTradeRepo) TransitionStatus(
	ctx context.Context,
	id string,
	from, to domain.TradeStatus,
	update TradeUpdate,
	at time.Time,
) (bool, error) {
	updates := map[string]any{
		"status":         to,
		"status_message": update.Message,
		"updated_at":     at,
	}
	if update.QuoteID != nil {
		updates["quote_id"] = *update.QuoteID
	}
	if update.QuoteRate != nil {
		updates["quote_rate"] = *update.QuoteRate
	}
	if update.SettlementID != nil {
		updates["settlement_id"] = *update.SettlementID
	}
	if update.SettlementRef != nil {
		updates["settlement_ref"] = *update.SettlementRef
	}

	result := r.db.WithContext(ctx).
		Model(&TradeModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CancelOpen cancels the batch's trades that have not reached the gateway execution step.
// EXECUTING trades are left to finish.
func (r *GormTradeRepo) CancelOpen(ctx context.Context, batchID string, message string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&TradeModel{}).
		Where("batch_id = ? AND status IN ?", batchID, []domain.TradeStatus{domain.TradeStatusPending, domain.TradeStatusQuoted}).
		Updates(map[string]any{
			"status":         domain.TradeStatusCancelled,
			"status_message": message,
			"updated_at":     at,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// FailQuoted fails the batch's QUOTED trades. A trade left QUOTED never reached the gateway
// execution step, so nothing was booked for it.
func (r *GormTradeRepo) FailQuoted(ctx context.Context, batchID string, message string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&TradeModel{}).
		Where("batch_id = ? AND status = ?", batchID, domain.TradeStatusQuoted).
		Updates(map[string]any{
			"status":         domain.TradeStatusFailed,
			"status_message": message,
			"updated_at":     at,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

type tradeStatusCountRow struct {
	Status domain.TradeStatus `gorm:"column:status"`
	Count  int                `gorm:"column:count"`
}

func (r *GormTradeRepo) CountByStatus(ctx context.Context, batchID string) ([]domain.TradeStatusCount, error) {
	var rows []tradeStatusCountRow
	err := r.db.WithContext(ctx).
		Model(&TradeModel{}).
		Select("status, COUNT(*) as count").
		Where("batch_id = ?", batchID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make([]domain.TradeStatusCount, 0, len(rows))
	for _, row := range rows {
		counts = append(counts, domain.TradeStatusCount{Status: row.Status, Count: row.Count})
	}
	return counts, nil
}

type tradeErrorRow struct {
	Message string `gorm:"column:status_message"`
	Count   int    `gorm:"column:count"`
}

func (r *GormTradeRepo) ErrorSummary(ctx context.Context, batchID string) ([]domain.TradeErrorSummary, error) {
	var rows []tradeErrorRow
	err := r.db.WithContext(ctx).
		Model(&TradeModel{}).
		Select("status_message, COUNT(*) as count").
		Where("batch_id = ? AND status = ?", batchID, domain.TradeStatusFailed).
		Group("status_message").
		Order("count DESC").
		Order("status_message ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summary := make([]domain.TradeErrorSummary, 0, len(rows))
	for _, row := range rows {
		summary = append(summary, domain.TradeErrorSummary{Message: row.Message, Count: row.Count})
	}
	return summary, nil
}
