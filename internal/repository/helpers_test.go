package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	mustNoErr(t, err)

	sqlDB, err := db.DB()
	mustNoErr(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&BatchModel{},
		&TradeModel{},
		&ClientModel{},
		&BatchNotificationModel{},
	)
	mustNoErr(t, err)
	return db
}

type seedBatch struct {
	status        domain.BatchStatus
	priority      int
	maxConcurrent int
	createdAt     time.Time
	tradeStatuses []domain.TradeStatus
}

func createTestBatch(t *testing.T, repo *GormBatchRepo, seed seedBatch) (*domain.Batch, []*domain.Trade) {
	t.Helper()

	if seed.status == "" {
		seed.status = domain.BatchStatusPending
	}
	if seed.priority == 0 {
		seed.priority = domain.DefaultBatchPriority
	}
	if seed.maxConcurrent == 0 {
		seed.maxConcurrent = domain.DefaultMaxConcurrentTrades
	}
	if seed.createdAt.IsZero() {
		seed.createdAt = testNow
	}

	batch := &domain.Batch{
		ID:                  uuid.NewString(),
		UID:                 "uid-" + uuid.NewString()[:8],
		Status:              seed.status,
		TotalTrades:         len(seed.tradeStatuses),
		Priority:            seed.priority,
		MaxConcurrentTrades: seed.maxConcurrent,
		CreatedAt:           seed.createdAt,
		UpdatedAt:           seed.createdAt,
	}

	trades := make([]*domain.Trade, 0, len(seed.tradeStatuses))
	for i, status := range seed.tradeStatuses {
		trades = append(trades, &domain.Trade{
			ID:        uuid.NewString(),
			ClientID:  fmt.Sprintf("client-%d", i+1),
			AmountZAR: decimal.NewFromInt(int64(1000 * (i + 1))),
			Status:    status,
			CreatedAt: seed.createdAt.Add(time.Duration(i) * time.Second),
			UpdatedAt: seed.createdAt,
		})
	}

	mustNoErr(t, repo.Create(context.Background(), batch, trades))
	return batch, trades
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
