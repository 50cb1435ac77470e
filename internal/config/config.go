package config

import (
	"fmt"
	"strings"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string `env:"RABBITMQ_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	RelayURL          string `env:"RELAY_URL"`
	APIPort           int    `env:"API_PORT,default=8080"`
	WorkerMetricsPort int    `env:"WORKER_METRICS_PORT,default=9091"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`
	WorkerConcurrency int    `env:"WORKER_CONCURRENCY,default=16"`

	// Provider-wide throughput, shared by all replicas through Redis.
	ThrottlePerSec int `env:"THROTTLE_PER_SEC,default=10"`

	CycleIntervalSec   int `env:"CYCLE_INTERVAL_SEC,default=180"`
	CycleRetryDelaySec int `env:"CYCLE_RETRY_DELAY_SEC,default=30"`
	CycleLockTTLSec    int `env:"CYCLE_LOCK_TTL_SEC,default=900"`
	StaleDispatchSec   int `env:"STALE_DISPATCH_SEC,default=600"`
	HorizonHours       int `env:"PLAN_HORIZON_HOURS,default=24"`
	DispatchWindowSec  int `env:"DISPATCH_WINDOW_SEC,default=180"`
	SendTimeoutSec     int `env:"SEND_TIMEOUT_SEC,default=30"`
	MaxSendAttempts    int `env:"MAX_SEND_ATTEMPTS,default=5"`
	RetryBaseDelaySec  int `env:"RETRY_BASE_DELAY_SEC,default=60"`
	RetryMaxDelaySec   int `env:"RETRY_MAX_DELAY_SEC,default=3600"`

	BaseCap         int `env:"BASE_DAILY_CAP,default=50"`
	ActiveFromHour  int `env:"ACTIVE_FROM_HOUR,default=8"`
	ActiveUntilHour int `env:"ACTIVE_UNTIL_HOUR,default=20"`

	WarmupStages           int     `env:"WARMUP_STAGES,default=14"`
	WarmupInitialCap       int     `env:"WARMUP_INITIAL_CAP,default=5"`
	WarmupGrowth           float64 `env:"WARMUP_GROWTH,default=1.3"`
	WarmupCeiling          int     `env:"WARMUP_CEILING,default=40"`
	WarmupStageHours       int     `env:"WARMUP_STAGE_HOURS,default=24"`
	WarmupMinStageSends    int     `env:"WARMUP_MIN_STAGE_SENDS,default=1"`
	WarmupMaxBounceRate    float64 `env:"WARMUP_MAX_BOUNCE_RATE,default=0.05"`
	WarmupMinReplyRate     float64 `env:"WARMUP_MIN_REPLY_RATE,default=0"`
	WarmupMaintenanceSends int     `env:"WARMUP_MAINTENANCE_SENDS,default=3"`
	WarmupPool             string  `env:"WARMUP_POOL"`

	ReputationSentIncrement   float64 `env:"REPUTATION_SENT_INCREMENT,default=0.01"`
	ReputationBounceDecrement float64 `env:"REPUTATION_BOUNCE_DECREMENT,default=0.4"`
	ReputationRejectDecrement float64 `env:"REPUTATION_REJECT_DECREMENT,default=0.1"`
	ReputationHealthy         float64 `env:"REPUTATION_HEALTHY,default=0.7"`
	SuspensionFloor           float64 `env:"SUSPENSION_FLOOR,default=0"`
	ReinstateReputation       float64 `env:"REINSTATE_REPUTATION,default=0.5"`

	InboxPollIntervalSec int    `env:"INBOX_POLL_INTERVAL_SEC,default=300"`
	InboxMailbox         string `env:"INBOX_MAILBOX,default=INBOX"`
	InboxMaxFetch        int    `env:"INBOX_MAX_FETCH,default=200"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ActiveFromHour < 0 || c.ActiveFromHour > 24 || c.ActiveUntilHour < 0 || c.ActiveUntilHour > 24 {
		return fmt.Errorf("active hours must be within 0..24")
	}
	if c.ActiveUntilHour < c.ActiveFromHour {
		return fmt.Errorf("ACTIVE_UNTIL_HOUR must not be before ACTIVE_FROM_HOUR")
	}
	if c.SuspensionFloor < 0 || c.SuspensionFloor > 1 {
		return fmt.Errorf("SUSPENSION_FLOOR must be within [0,1]")
	}
	if c.ReputationHealthy < 0 || c.ReputationHealthy > 1 {
		return fmt.Errorf("REPUTATION_HEALTHY must be within [0,1]")
	}
	if c.ThrottlePerSec < 1 {
		return fmt.Errorf("THROTTLE_PER_SEC must be >= 1")
	}
	if c.StaleDispatchSec > 0 && c.StaleDispatchSec <= c.SendTimeoutSec {
		return fmt.Errorf("STALE_DISPATCH_SEC must exceed SEND_TIMEOUT_SEC")
	}
	return nil
}

// WarmupPoolAddresses returns the comma separated warmup pool as a list.
func (c *Config) WarmupPoolAddresses() []string {
	parts := strings.Split(c.WarmupPool, ",")
	addresses := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			addresses = append(addresses, trimmed)
		}
	}
	return addresses
}
