package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/outreach-engine/internal/config"
	"github.com/kursadbilgin/outreach-engine/internal/handler"
	"github.com/kursadbilgin/outreach-engine/internal/inbox"
	"github.com/kursadbilgin/outreach-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/outreach-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/outreach-engine/internal/infra/redis"
	"github.com/kursadbilgin/outreach-engine/internal/observability"
	"github.com/kursadbilgin/outreach-engine/internal/queue"
	"github.com/kursadbilgin/outreach-engine/internal/service"
	"github.com/kursadbilgin/outreach-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "worker")
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
	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger.Named("queue"))
	defer consumer.Close() //nolint:errcheck

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

	repos := service.NewGormRepositories(db)
	engine, err := service.BuildEngine(cfg, repos, service.Delivery{
		Sender:    sender,
		Throttle:  throttle,
		CycleLock: cycleLock,
	}, logger)
	if err != nil {
		logger.Fatal("engine initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	engine.SetMetrics(metrics)

	runner, err := service.NewCycleRunner(
		engine.RunSchedulingCycle,
		time.Duration(cfg.CycleIntervalSec)*time.Second,
		time.Duration(cfg.CycleRetryDelaySec)*time.Second,
		logger.Named("cycle"),
	)
	if err != nil {
		logger.Fatal("cycle runner initialization failed", zap.Error(err))
	}

	queueWorker, err := service.NewQueueWorker(consumer, engine, cfg.WorkerConcurrency, logger.Named("intake"))
	if err != nil {
		logger.Fatal("queue worker initialization failed", zap.Error(err))
	}

	poller, err := inbox.NewPoller(
		repos.Accounts,
		engine,
		inbox.NewIMAPSource(cfg.InboxMailbox, cfg.InboxMaxFetch),
		engine,
		time.Duration(cfg.InboxPollIntervalSec)*time.Second,
		logger.Named("inbox"),
	)
	if err != nil {
		logger.Fatal("inbox poller initialization failed", zap.Error(err))
	}
	poller.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:               "outreach-engine-worker",
		ErrorHandler:          transport.ErrorHandler(logger.Named("http")),
		DisableStartupMessage: true,
	})
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	handler.RegisterMetricsRoute(app, metrics.Handler())

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Start(groupCtx) })
	g.Go(func() error { return queueWorker.Start(groupCtx) })
	g.Go(func() error { return poller.Start(groupCtx) })
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", cfg.WorkerMetricsPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	logger.Info("outreach-engine worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("cycleIntervalSec", cfg.CycleIntervalSec),
		zap.Int("metricsPort", cfg.WorkerMetricsPort),
	)

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("outreach-engine worker stopped")
}
