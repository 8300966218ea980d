package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/fx-batch-engine/internal/app"
	"github.com/kursadbilgin/fx-batch-engine/internal/config"
	"github.com/kursadbilgin/fx-batch-engine/internal/handler"
	"github.com/kursadbilgin/fx-batch-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/fx-batch-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/fx-batch-engine/internal/infra/redis"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/queue"
	"github.com/kursadbilgin/fx-batch-engine/internal/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

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

	server := fiber.New(fiber.Config{
		AppName:               "fx-batch-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger.Named("http")),
	})
	server.Use(recover.New())
	server.Use(requestid.New())
	server.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(server, sqlDB, rdb, broker)
	server.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterBatchRoutes(server, engine.Service); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()
	logger.Info("fx-batch-engine api started", zap.Int("port", cfg.APIPort))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server stopped", zap.Error(err))
		}
	}

	var shutdownErr error
	if err := server.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
		shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("http shutdown: %w", err))
	}
	shutdownErr = multierr.Append(shutdownErr, broker.Close())
	shutdownErr = multierr.Append(shutdownErr, rdb.Close())
	shutdownErr = multierr.Append(shutdownErr, sqlDB.Close())
	if shutdownErr != nil {
		logger.Error("shutdown completed with errors", zap.Error(shutdownErr))
		return
	}
	logger.Info("fx-batch-engine api stopped")
}
