package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/fx-batch-engine/internal/admission"
	"github.com/kursadbilgin/fx-batch-engine/internal/config"
	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"github.com/kursadbilgin/fx-batch-engine/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestNewEngineRunsBatchEndToEnd(t *testing.T) {
	t.Parallel()

	db := newMigratedDB(t)
	account := "ZA-001"
	mustNoErr(t, db.Create(&repository.ClientModel{
		ID:         "c1",
		Name:       "Acme Imports",
		CIFNumber:  "CIF-1",
		ZARAccount: &account,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}).Error)

	engine, err := NewEngine(Deps{
		Config:  testConfig(),
		DB:      db,
		Gateway: stubGateway{},
	})
	mustNoErr(t, err)

	ctx := context.Background()
	batch, trades, err := engine.Service.CreateBatch(ctx, service.CreateBatchInput{
		UID: "fx-e2e",
		Trades: []service.TradeInput{
			{ClientID: "c1", AmountZAR: decimal.NewFromInt(1000)},
			{ClientID: "c404", AmountZAR: decimal.NewFromInt(500)},
		},
	})
	mustNoErr(t, err)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}

	result, err := engine.Runner.Run(ctx, batch.ID, "worker-test/dispatch-1")
	mustNoErr(t, err)
	if result.Outcome != service.RunOutcomeCompleted || result.Status != domain.BatchStatusPartialSuccess {
		t.Fatalf("result = %s %s, want completed PARTIAL_SUCCESS", result.Outcome, result.Status)
	}
	if result.Progress.Processed != 2 || result.Progress.Failed != 1 {
		t.Fatalf("progress = %+v, want processed=2 failed=1", result.Progress)
	}

	summary, err := engine.Service.ErrorSummary(ctx, batch.ID)
	mustNoErr(t, err)
	want := []domain.TradeErrorSummary{{Message: domain.MessageClientNotFound, Count: 1}}
	if !reflect.DeepEqual(summary, want) {
		t.Fatalf("error summary = %+v, want %+v", summary, want)
	}

	locked, err := engine.Service.ListLocked(ctx)
	mustNoErr(t, err)
	if len(locked) != 0 {
		t.Fatalf("locked batches = %+v, want none", locked)
	}
}

func TestNewGate(t *testing.T) {
	t.Parallel()

	db := newMigratedDB(t)
	store := repository.NewGormBatchRepo(db)

	gate, err := newGate(store, nil, 4)
	mustNoErr(t, err)
	if _, ok := gate.(*admission.StoreGate); !ok {
		t.Fatalf("gate without redis = %T, want *admission.StoreGate", gate)
	}

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gate, err = newGate(store, rdb, 0)
	mustNoErr(t, err)
	if _, ok := gate.(*admission.StoreGate); !ok {
		t.Fatalf("gate without in-flight cap = %T, want *admission.StoreGate", gate)
	}

	gate, err = newGate(store, rdb, 4)
	mustNoErr(t, err)
	chain, ok := gate.(admission.Chain)
	if !ok || len(chain) != 2 {
		t.Fatalf("gate with in-flight cap = %T %v, want a chain of 2", gate, gate)
	}
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.GatewayBaseURL = "not a url"

	tests := []struct {
		name string
		deps Deps
	}{
		{name: "missing config", deps: Deps{DB: &gorm.DB{}}},
		{name: "missing db", deps: Deps{Config: testConfig()}},
		{name: "invalid gateway url", deps: Deps{Config: cfg, DB: newMigratedDB(t)}},
	}
	for _, tt := range tests {
		if _, err := NewEngine(tt.deps); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}
}

func testConfig() *config.Config {
	return &config.Config{
		GatewayBaseURL:    "https://gateway.example.test",
		GatewayTimeoutSec: 5,
		GatewayRatePerSec: 10,
		QuoteRetries:      1,
		LockTTLSec:        60,
	}
}

func newMigratedDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:app_%s?mode=memory&cache=shared", name)

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

	mustNoErr(t, migrations.Migrate(db))
	return db
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type stubGateway struct{}

func (stubGateway) Quote(_ context.Context, trade domain.Trade, _ domain.Client) (*domain.Quote, error) {
	return &domain.Quote{ID: "q-" + trade.ID, Rate: decimal.RequireFromString("18.4512")}, nil
}

func (stubGateway) Execute(_ context.Context, trade domain.Trade, _ domain.Quote) (*domain.Settlement, error) {
	return &domain.Settlement{ID: "tx-" + trade.ID, Reference: "deal-" + trade.ID}, nil
}
