package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/fx-batch-engine/internal/app"
	"github.com/kursadbilgin/fx-batch-engine/internal/config"
	"github.com/kursadbilgin/fx-batch-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/fx-batch-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/fx-batch-engine/internal/infra/redis"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/queue"
	"github.com/kursadbilgin/fx-batch-engine/internal/service"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	consumerPrefetch = 4
	metricsAddr      = ":9091"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	holderID := strings.TrimSpace(cfg.WorkerID)
	if holderID == "" {
		holderID = "worker-" + uuid.NewString()
	}
	logger = logger.With(zap.String("workerId", holderID))

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}

	broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	publisher := queue.NewRabbitMQPublisher(broker)
	consumer := queue.NewRabbitMQConsumer(broker, consumerPrefetch, logger.Named("consumer"))

	metrics := observability.NewMetrics()

	engine, err := app.NewEngine(app.Deps{
		Config:    cfg,
		DB:        db,
		Redis:     rdb,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("engine initialization failed", zap.Error(err))
	}

	dispatcher, err := service.NewDispatcher(
		engine.Queue,
		engine.Runner.Run,
		holderID,
		cfg.DispatchWorkers,
		cfg.DispatchInterval(),
		logger.Named("dispatcher"),
	)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}

	runRequests, err := service.NewRunRequestConsumer(
		consumer,
		engine.Runner.Run,
		holderID,
		cfg.ConsumerConcurrency,
		logger.Named("run-requests"),
	)
	if err != nil {
		logger.Fatal("run request consumer initialization failed", zap.Error(err))
	}

	sweeper, err := service.NewLockSweeper(engine.Locks, cfg.SweepInterval(), logger.Named("sweeper"))
	if err != nil {
		logger.Fatal("lock sweeper initialization failed", zap.Error(err))
	}

	relay, err := service.NewNotificationRelay(
		engine.Notifications,
		publisher,
		cfg.RelayInterval(),
		cfg.RelayBatchSize,
		logger.Named("relay"),
	)
	if err != nil {
		logger.Fatal("notification relay initialization failed", zap.Error(err))
	}
	relay.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Start(gctx) })
	g.Go(func() error { return runRequests.Start(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })
	g.Go(func() error { return relay.Start(gctx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("fx-batch-engine worker started",
		zap.Int("dispatchWorkers", cfg.DispatchWorkers),
		zap.Int("consumers", cfg.ConsumerConcurrency),
	)

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownErr := runErr
	shutdownErr = multierr.Append(shutdownErr, broker.Close())
	shutdownErr = multierr.Append(shutdownErr, rdb.Close())
	shutdownErr = multierr.Append(shutdownErr, sqlDB.Close())
	if shutdownErr != nil {
		logger.Error("worker stopped with errors", zap.Error(shutdownErr))
		return
	}
	logger.Info("fx-batch-engine worker stopped")
}
