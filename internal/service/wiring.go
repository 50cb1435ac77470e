package service

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/cadence"
	"github.com/kursadbilgin/outreach-engine/internal/config"
	"github.com/kursadbilgin/outreach-engine/internal/dispatch"
	"github.com/kursadbilgin/outreach-engine/internal/planner"
	"github.com/kursadbilgin/outreach-engine/internal/provider"
	"github.com/kursadbilgin/outreach-engine/internal/ratelimit"
	"github.com/kursadbilgin/outreach-engine/internal/repository"
	"github.com/kursadbilgin/outreach-engine/internal/reputation"
	"github.com/kursadbilgin/outreach-engine/internal/warmup"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Repositories struct {
	Accounts     repository.AccountRepository
	PendingSends repository.PendingSendRepository
	SendResults  repository.SendResultRepository
}

func NewGormRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Accounts:     repository.NewGormAccountRepo(db),
		PendingSends: repository.NewGormPendingSendRepo(db),
		SendResults:  repository.NewGormSendResultRepo(db),
	}
}

// Delivery carries the transport side of the engine. Throttle and CycleLock
// may be nil.
type Delivery struct {
	Sender    provider.Sender
	Throttle  ratelimit.Throttle
	CycleLock CycleLocker
}

// NewSender routes through account SMTP servers and falls back to the HTTP
// relay when relayURL is set.
func NewSender(cfg *config.Config) (provider.Sender, error) {
	smtp := provider.NewSMTPSender(seconds(cfg.SendTimeoutSec))
	if cfg.RelayURL == "" {
		return provider.NewRouter(smtp, nil), nil
	}

	relay, err := provider.NewRelaySender(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("relay sender: %w", err)
	}
	return provider.NewRouter(smtp, relay), nil
}

// WarmupPolicy maps configuration onto the ramp policy.
func WarmupPolicy(cfg *config.Config) warmup.Policy {
	return warmup.Policy{
		Stages:              cfg.WarmupStages,
		InitialCap:          cfg.WarmupInitialCap,
		Growth:              cfg.WarmupGrowth,
		Ceiling:             cfg.WarmupCeiling,
		StageDuration:       time.Duration(cfg.WarmupStageHours) * time.Hour,
		MinStageSends:       cfg.WarmupMinStageSends,
		MaxBounceRate:       cfg.WarmupMaxBounceRate,
		MinReplyRate:        cfg.WarmupMinReplyRate,
		SuspensionFloor:     cfg.SuspensionFloor,
		ReinstateReputation: cfg.ReinstateReputation,
		MaintenanceSends:    cfg.WarmupMaintenanceSends,
	}
}

// BuildEngine assembles the delivery core from configuration. Warmup
// generation is enabled only when a warmup pool is configured.
func BuildEngine(cfg *config.Config, repos Repositories, delivery Delivery, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	controller := warmup.NewController(WarmupPolicy(cfg), logger.Named("warmup"))
	limiter := ratelimit.NewLimiter(ratelimit.SlotPolicy{
		BaseCap:         cfg.BaseCap,
		ActiveFromHour:  cfg.ActiveFromHour,
		ActiveUntilHour: cfg.ActiveUntilHour,
	}, controller)

	tracker, err := reputation.NewTracker(repos.Accounts, repos.SendResults, controller, limiter, reputation.Deltas{
		SentIncrement:   cfg.ReputationSentIncrement,
		BounceDecrement: cfg.ReputationBounceDecrement,
		RejectDecrement: cfg.ReputationRejectDecrement,
	}, logger.Named("reputation"))
	if err != nil {
		return nil, err
	}

	plan, err := planner.NewPlanner(limiter, cfg.ReputationHealthy, logger.Named("planner"))
	if err != nil {
		return nil, err
	}

	executor, err := dispatch.NewExecutor(repos.PendingSends, repos.SendResults, tracker, delivery.Sender, delivery.Throttle, dispatch.Options{
		Concurrency:    cfg.WorkerConcurrency,
		SendTimeout:    seconds(cfg.SendTimeoutSec),
		MaxAttempts:    cfg.MaxSendAttempts,
		BaseRetryDelay: seconds(cfg.RetryBaseDelaySec),
		MaxRetryDelay:  seconds(cfg.RetryMaxDelaySec),
	}, logger.Named("dispatch"))
	if err != nil {
		return nil, err
	}

	components := Components{
		Accounts:     repos.Accounts,
		PendingSends: repos.PendingSends,
		Warmup:       controller,
		Limiter:      limiter,
		Planner:      plan,
		Executor:     executor,
		Tracker:      tracker,
		CycleLock:    delivery.CycleLock,
	}
	if seeds := cfg.WarmupPoolAddresses(); len(seeds) > 0 {
		generator, err := cadence.NewGenerator(repos.Accounts, repos.PendingSends, controller, seeds, logger.Named("cadence"))
		if err != nil {
			return nil, err
		}
		components.Cadence = generator
	}

	return NewEngine(components, EngineOptions{
		Horizon:        time.Duration(cfg.HorizonHours) * time.Hour,
		DispatchWindow: seconds(cfg.DispatchWindowSec),
		StaleDispatch:  seconds(cfg.StaleDispatchSec),
	}, logger)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
