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
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/outreach-engine/internal/config"
	"github.com/kursadbilgin/outreach-engine/internal/handler"
	"github.com/kursadbilgin/outreach-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/outreach-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/outreach-engine/internal/infra/redis"
	"github.com/kursadbilgin/outreach-engine/internal/observability"
	"github.com/kursadbilgin/outreach-engine/internal/queue"
	"github.com/kursadbilgin/outreach-engine/internal/service"
	"github.com/kursadbilgin/outreach-engine/internal/transport"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.DefaultPoolConfig)
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
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	publisher := queue.NewRabbitMQPublisher(rabbit)
	defer publisher.Close() //nolint:errcheck

	sender, err := service.NewSender(cfg)
	if err != nil {
		logger.Fatal("sender initialization failed", zap.Error(err))
	}
	throttle, err := infraredis.NewThrottle(rdb, cfg.ThrottlePerSec)
	if err != nil {
		logger.Fatal("throttle initialization failed", zap.Error(err))
	}
	cycleLock, err := infraredis.NewCycleLock(rdb, time.Duration(cfg.CycleLockTTLSec)*time.Second)
	if err != nil {
		logger.Fatal("cycle lock initialization failed", zap.Error(err))
	}

	engine, err := service.BuildEngine(cfg, service.NewGormRepositories(db), service.Delivery{
		Sender:    sender,
		Throttle:  throttle,
		CycleLock: cycleLock,
	}, logger)
	if err != nil {
		logger.Fatal("engine initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	engine.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:      "outreach-engine",
		ErrorHandler: transport.ErrorHandler(logger.Named("http")),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	handler.RegisterMetricsRoute(app, metrics.Handler())
	if err := handler.RegisterEngineRoutes(app, engine, publisher); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("outreach-engine api started", zap.Int("port", cfg.APIPort))
	if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("api server stopped", zap.Error(err))
	}
	logger.Info("outreach-engine api stopped")
}
