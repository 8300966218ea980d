package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/fx-batch-engine/internal/admission"
	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/queue"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEngine struct {
	db            *gorm.DB
	batches       *repository.GormBatchRepo
	trades        *repository.GormTradeRepo
	clients       *repository.GormClientRepo
	notifications *repository.GormNotificationRepo
	emitter       *NotificationEmitter
	progress      *ProgressAggregator
	locks         *LockManager
	executor      *TradeExecutor
	runner        *BatchRunner
	gateway       *fakeGateway
}

func newTestEngine(t *testing.T, gw *fakeGateway) *testEngine {
	t.Helper()

	if gw == nil {
		gw = &fakeGateway{}
	}
	db := newTestDB(t)
	e := &testEngine{
		db:            db,
		batches:       repository.NewGormBatchRepo(db),
		trades:        repository.NewGormTradeRepo(db),
		clients:       repository.NewGormClientRepo(db),
		notifications: repository.NewGormNotificationRepo(db),
		gateway:       gw,
	}

	var err error
	e.emitter, err = NewNotificationEmitter(e.batches, e.notifications)
	mustNoErr(t, err)
	e.progress, err = NewProgressAggregator(e.batches, e.trades, e.emitter, zap.NewNop())
	mustNoErr(t, err)
	e.locks, err = NewLockManager(e.batches, zap.NewNop())
	mustNoErr(t, err)
	e.executor, err = NewTradeExecutor(e.trades, e.clients, gw, e.progress, DefaultQuoteRetries, zap.NewNop())
	mustNoErr(t, err)
	e.executor.randIntn = func(n int) int { return 0 }
	e.executor.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	e.runner = e.newRunner(t, e.executor)
	return e
}

func (e *testEngine) newRunner(t *testing.T, executor TradeRunner) *BatchRunner {
	t.Helper()

	gate, err := admission.NewStoreGate(e.batches)
	mustNoErr(t, err)
	runner, err := NewBatchRunner(e.locks, e.batches, e.trades, executor, e.progress, e.emitter, gate, time.Minute, zap.NewNop())
	mustNoErr(t, err)
	return runner
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name)

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
		&repository.BatchModel{},
		&repository.TradeModel{},
		&repository.ClientModel{},
		&repository.BatchNotificationModel{},
	)
	mustNoErr(t, err)
	return db
}

func (e *testEngine) addClient(t *testing.T, id string, zarAccount string) {
	t.Helper()

	var account *string
	if zarAccount != "" {
		account = &zarAccount
	}
	now := time.Now().UTC()
	err := e.db.Create(&repository.ClientModel{
		ID:         id,
		Name:       "Client " + id,
		CIFNumber:  "CIF-" + id,
		ZARAccount: account,
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error
	mustNoErr(t, err)
}

type seedTrade struct {
	clientID string
	amount   int64
	status   domain.TradeStatus
}

type seedBatch struct {
	status        domain.BatchStatus
	maxConcurrent int
	trades        []seedTrade
}

func (e *testEngine) stage(t *testing.T, seed seedBatch) (*domain.Batch, []*domain.Trade) {
	t.Helper()

	if seed.status == "" {
		seed.status = domain.BatchStatusPending
	}
	if seed.maxConcurrent == 0 {
		seed.maxConcurrent = domain.DefaultMaxConcurrentTrades
	}

	now := time.Now().UTC()
	batch := &domain.Batch{
		ID:                  uuid.NewString(),
		UID:                 "uid-" + uuid.NewString()[:8],
		Status:              seed.status,
		TotalTrades:         len(seed.trades),
		Priority:            domain.DefaultBatchPriority,
		MaxConcurrentTrades: seed.maxConcurrent,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	trades := make([]*domain.Trade, 0, len(seed.trades))
	for i, st := range seed.trades {
		status := st.status
		if status == "" {
			status = domain.TradeStatusPending
		}
		trades = append(trades, &domain.Trade{
			ID:        uuid.NewString(),
			ClientID:  st.clientID,
			AmountZAR: decimal.NewFromInt(st.amount),
			Status:    status,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt: now,
		})
	}

	mustNoErr(t, e.batches.Create(context.Background(), batch, trades))
	return batch, trades
}

func (e *testEngine) trade(t *testing.T, id string) *domain.Trade {
	t.Helper()

	trade, err := e.trades.GetByID(context.Background(), id)
	mustNoErr(t, err)
	return trade
}

func (e *testEngine) batch(t *testing.T, id string) *domain.Batch {
	t.Helper()

	batch, err := e.batches.GetByID(context.Background(), id)
	mustNoErr(t, err)
	return batch
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type fakeGateway struct {
	mu         sync.Mutex
	quoteFn    func(ctx context.Context, trade domain.Trade, client domain.Client) (*domain.Quote, error)
	executeFn  func(ctx context.Context, trade domain.Trade, quote domain.Quote) (*domain.Settlement, error)
	quoteCalls int
	execCalls  int
}

func (f *fakeGateway) Quote(ctx context.Context, trade domain.Trade, client domain.Client) (*domain.Quote, error) {
	f.mu.Lock()
	f.quoteCalls++
	f.mu.Unlock()

	if f.quoteFn != nil {
		return f.quoteFn(ctx, trade, client)
	}
	return &domain.Quote{ID: "q-" + trade.ID, Rate: decimal.RequireFromString("18.4512")}, nil
}

func (f *fakeGateway) Execute(ctx context.Context, trade domain.Trade, quote domain.Quote) (*domain.Settlement, error) {
	f.mu.Lock()
	f.execCalls++
	f.mu.Unlock()

	if f.executeFn != nil {
		return f.executeFn(ctx, trade, quote)
	}
	return &domain.Settlement{ID: "tx-" + trade.ID, Reference: "deal-" + trade.ID}, nil
}

func (f *fakeGateway) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quoteCalls, f.execCalls
}

type fakeTradeRunner struct {
	executeFn func(ctx context.Context, trade domain.Trade) (domain.TradeStatus, error)
}

func (f *fakeTradeRunner) Execute(ctx context.Context, trade domain.Trade) (domain.TradeStatus, error) {
	if f.executeFn != nil {
		return f.executeFn(ctx, trade)
	}
	return domain.TradeStatusSuccess, nil
}

type fakePublisher struct {
	publishRunFn   func(ctx context.Context, msg queue.RunBatchMessage) error
	publishEventFn func(ctx context.Context, msg queue.BatchEventMessage) error
	closeFn        func() error
}

func (f *fakePublisher) PublishRun(ctx context.Context, msg queue.RunBatchMessage) error {
	if f.publishRunFn != nil {
		return f.publishRunFn(ctx, msg)
	}
	return nil
}

func (f *fakePublisher) PublishEvent(ctx context.Context, msg queue.BatchEventMessage) error {
	if f.publishEventFn != nil {
		return f.publishEventFn(ctx, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queue string, handler queue.MessageHandler) error
	closeFn   func() error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}
