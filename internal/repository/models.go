package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// BatchModel is the persistence model for the batches table.
type BatchModel struct {
	ID                      string             `gorm:"type:uuid;primaryKey"`
	UID                     string             `gorm:"type:varchar(64);not null;uniqueIndex"`
	Status                  domain.BatchStatus `gorm:"type:varchar(20);not null"`
	TotalTrades             int                `gorm:"not null;default:0"`
	ProcessedTrades         int                `gorm:"not null;default:0"`
	FailedTrades            int                `gorm:"not null;default:0"`
	Priority                int                `gorm:"not null;default:5"`
	QueuePosition           int                `gorm:"not null;default:0"`
	MaxConcurrentTrades     int                `gorm:"not null;default:5"`
	CurrentConcurrentTrades int                `gorm:"not null;default:0"`
	LockedBy                *string            `gorm:"type:varchar(128)"`
	LockedAt                *time.Time
	LockExpiresAt           *time.Time
	StartedAt               *time.Time
	CompletedAt             *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// TradeModel is the persistence model for the trades table.
type TradeModel struct {
	ID            string             `gorm:"type:uuid;primaryKey"`
	BatchID       string             `gorm:"type:uuid;not null;index"`
	ClientID      string             `gorm:"type:varchar(64);not null"`
	AmountZAR     decimal.Decimal    `gorm:"type:numeric(20,2);not null"`
	Status        domain.TradeStatus `gorm:"type:varchar(20);not null"`
	StatusMessage string             `gorm:"type:text;not null;default:''"`
	QuoteID       *string            `gorm:"type:varchar(128)"`
	QuoteRate     *decimal.Decimal   `gorm:"type:numeric(20,8)"`
	SettlementID  *string            `gorm:"type:varchar(128)"`
	SettlementRef *string            `gorm:"type:varchar(128)"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (TradeModel) TableName() string {
	return "trades"
}

// ClientModel is the persistence model for the clients table.
type ClientModel struct {
	ID         string  `gorm:"type:varchar(64);primaryKey"`
	Name       string  `gorm:"type:varchar(255);not null"`
	CIFNumber  string  `gorm:"type:varchar(64);not null"`
	ZARAccount *string `gorm:"type:varchar(64)"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (ClientModel) TableName() string {
	return "clients"
}

// BatchNotificationModel is the persistence model for batch_notifications.
type BatchNotificationModel struct {
	ID          string                  `gorm:"type:uuid;primaryKey"`
	BatchID     string                  `gorm:"type:uuid;not null;index"`
	Type        domain.NotificationType `gorm:"type:varchar(50);not null"`
	Data        string                  `gorm:"type:text;not null"`
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

func (BatchNotificationModel) TableName() string {
	return "batch_notifications"
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:                      b.ID,
		UID:                     b.UID,
		Status:                  b.Status,
		TotalTrades:             b.TotalTrades,
		ProcessedTrades:         b.ProcessedTrades,
		FailedTrades:            b.FailedTrades,
		Priority:                b.Priority,
		QueuePosition:           b.QueuePosition,
		MaxConcurrentTrades:     b.MaxConcurrentTrades,
		CurrentConcurrentTrades: b.CurrentConcurrentTrades,
		LockedBy:                b.LockedBy,
		LockedAt:                b.LockedAt,
		LockExpiresAt:           b.LockExpiresAt,
		StartedAt:               b.StartedAt,
		CompletedAt:             b.CompletedAt,
		CreatedAt:               b.CreatedAt,
		UpdatedAt:               b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:                      m.ID,
		UID:                     m.UID,
		Status:                  m.Status,
		TotalTrades:             m.TotalTrades,
		ProcessedTrades:         m.ProcessedTrades,
		FailedTrades:            m.FailedTrades,
		Priority:                m.Priority,
		QueuePosition:           m.QueuePosition,
		MaxConcurrentTrades:     m.MaxConcurrentTrades,
		CurrentConcurrentTrades: m.CurrentConcurrentTrades,
		LockedBy:                m.LockedBy,
		LockedAt:                m.LockedAt,
		LockExpiresAt:           m.LockExpiresAt,
		StartedAt:               m.StartedAt,
		CompletedAt:             m.CompletedAt,
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               m.UpdatedAt,
	}
}

func tradeModelFromDomain(t *domain.Trade) *TradeModel {
	if t == nil {
		return nil
	}

	return &TradeModel{
		ID:            t.ID,
		BatchID:       t.BatchID,
		ClientID:      t.ClientID,
		AmountZAR:     t.AmountZAR,
		Status:        t.Status,
		StatusMessage: t.StatusMessage,
		QuoteID:       t.QuoteID,
		QuoteRate:     t.QuoteRate,
		SettlementID:  t.SettlementID,
		SettlementRef: t.SettlementRef,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func tradeModelToDomain(m *TradeModel) *domain.Trade {
	if m == nil {
		return nil
	}

	return &domain.Trade{
		ID:            m.ID,
		BatchID:       m.BatchID,
		ClientID:      m.ClientID,
		AmountZAR:     m.AmountZAR,
		Status:        m.Status,
		StatusMessage: m.StatusMessage,
		QuoteID:       m.QuoteID,
		QuoteRate:     m.QuoteRate,
		SettlementID:  m.SettlementID,
		SettlementRef: m.SettlementRef,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func clientModelToDomain(m *ClientModel) *domain.Client {
	if m == nil {
		return nil
	}

	return &domain.Client{
		ID:         m.ID,
		Name:       m.Name,
		CIFNumber:  m.CIFNumber,
		ZARAccount: m.ZARAccount,
	}
}

func notificationModelFromDomain(n *domain.BatchNotification) (*BatchNotificationModel, error) {
	if n == nil {
		return nil, nil
	}

	data, err := json.Marshal(n.Snapshot)
	if err != nil {
		return nil, err
	}

	return &BatchNotificationModel{
		ID:          n.ID,
		BatchID:     n.BatchID,
		Type:        n.Type,
		Data:        string(data),
		CreatedAt:   n.CreatedAt,
		DeliveredAt: n.DeliveredAt,
	}, nil
}

func notificationModelToDomain(m *BatchNotificationModel) (*domain.BatchNotification, error) {
	if m == nil {
		return nil, nil
	}

	var snapshot domain.BatchSnapshot
	if m.Data != "" {
		if err := json.Unmarshal([]byte(m.Data), &snapshot); err != nil {
			return nil, err
		}
	}

	return &domain.BatchNotification{
		ID:          m.ID,
		BatchID:     m.BatchID,
		Type:        m.Type,
		Snapshot:    snapshot,
		CreatedAt:   m.CreatedAt,
		DeliveredAt: m.DeliveredAt,
	}, nil
}
