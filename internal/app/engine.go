package app

import (
	"fmt"

	"github.com/kursadbilgin/fx-batch-engine/internal/admission"
	"github.com/kursadbilgin/fx-batch-engine/internal/config"
	"github.com/kursadbilgin/fx-batch-engine/internal/gateway"
	infraredis "github.com/kursadbilgin/fx-batch-engine/internal/infra/redis"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/queue"
	"github.com/kursadbilgin/fx-batch-engine/internal/repository"
	"github.com/kursadbilgin/fx-batch-engine/internal/service"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine holds the batch components shared by the api and worker binaries.
type Engine struct {
	Batches       *repository.GormBatchRepo
	Trades        *repository.GormTradeRepo
	Notifications *repository.GormNotificationRepo

	Locks    *service.LockManager
	Queue    *service.BatchQueue
	Progress *service.ProgressAggregator
	Executor *service.TradeExecutor
	Runner   *service.BatchRunner
	Service  *service.BatchService
}

type Deps struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *goredis.Client
	Publisher queue.Publisher
	Gateway   gateway.Gateway
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

func NewEngine(deps Deps) (*Engine, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	e := &Engine{
		Batches:       repository.NewGormBatchRepo(deps.DB),
		Trades:        repository.NewGormTradeRepo(deps.DB),
		Notifications: repository.NewGormNotificationRepo(deps.DB),
	}
	clients := repository.NewGormClientRepo(deps.DB)

	gw := deps.Gateway
	if gw == nil {
		rest, err := gateway.NewRestGateway(gateway.Config{
			BaseURL:    cfg.GatewayBaseURL,
			Token:      cfg.GatewayToken,
			Timeout:    cfg.GatewayTimeout(),
			RatePerSec: cfg.GatewayRatePerSec,
		})
		if err != nil {
			return nil, err
		}
		gw = rest
	}

	gate, err := newGate(e.Batches, deps.Redis, cfg.GatewayMaxInFlight)
	if err != nil {
		return nil, err
	}

	emitter, err := service.NewNotificationEmitter(e.Batches, e.Notifications)
	if err != nil {
		return nil, err
	}

	if e.Locks, err = service.NewLockManager(e.Batches, logger.Named("locks")); err != nil {
		return nil, err
	}
	e.Locks.SetMetrics(deps.Metrics)

	if e.Queue, err = service.NewBatchQueue(e.Batches); err != nil {
		return nil, err
	}

	if e.Progress, err = service.NewProgressAggregator(e.Batches, e.Trades, emitter, logger.Named("progress")); err != nil {
		return nil, err
	}
	e.Progress.SetMetrics(deps.Metrics)

	e.Executor, err = service.NewTradeExecutor(e.Trades, clients, gw, e.Progress, cfg.QuoteRetries, logger.Named("executor"))
	if err != nil {
		return nil, err
	}
	e.Executor.SetMetrics(deps.Metrics)

	e.Runner, err = service.NewBatchRunner(
		e.Locks,
		e.Batches,
		e.Trades,
		e.Executor,
		e.Progress,
		emitter,
		gate,
		cfg.LockTTL(),
		logger.Named("runner"),
	)
	if err != nil {
		return nil, err
	}
	e.Runner.SetMetrics(deps.Metrics)

	e.Service, err = service.NewBatchService(
		e.Batches,
		e.Trades,
		e.Notifications,
		e.Runner,
		e.Queue,
		e.Locks,
		deps.Publisher,
		logger.Named("batches"),
	)
	if err != nil {
		return nil, err
	}

	return e, nil
}

// newGate always bounds trades per batch; a positive maxInFlight also caps gateway calls
// across every worker sharing the redis instance.
func newGate(store admission.SlotStore, rdb *goredis.Client, maxInFlight int) (admission.Gate, error) {
	storeGate, err := admission.NewStoreGate(store)
	if err != nil {
		return nil, err
	}
	if maxInFlight <= 0 || rdb == nil {
		return storeGate, nil
	}

	inFlight, err := infraredis.NewInFlightGate(rdb, maxInFlight)
	if err != nil {
		return nil, err
	}
	return admission.Chain{storeGate, inFlight}, nil
}
