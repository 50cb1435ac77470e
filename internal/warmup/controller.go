// Package warmup drives the per-account warmup state machine.
package warmup

import (
	"fmt"
	"math"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultStages           = 14
	defaultInitialCap       = 5
	defaultGrowth           = 1.3
	defaultCeiling          = 40
	defaultStageDuration    = 24 * time.Hour
	defaultMinStageSends    = 1
	defaultMaxBounceRate    = 0.05
	defaultReinstateFloor   = 0.5
	defaultMaintenanceSends = 3
)

// Policy configures the ramp schedule and the stage health gate.
type Policy struct {
	Stages        int
	InitialCap    int
	Growth        float64
	Ceiling       int
	StageDuration time.Duration

	MinStageSends int
	MaxBounceRate float64
	MinReplyRate  float64

	// SuspensionFloor suspends an account whose reputation drops below it.
	// Zero disables automatic suspension.
	SuspensionFloor     float64
	ReinstateReputation float64

	// MaintenanceSends is the daily warmup volume once an account is warmed.
	MaintenanceSends int
}

func (p Policy) withDefaults() Policy {
	if p.Stages <= 0 {
		p.Stages = defaultStages
	}
	if p.InitialCap <= 0 {
		p.InitialCap = defaultInitialCap
	}
	if p.Growth < 1 {
		p.Growth = defaultGrowth
	}
	if p.Ceiling <= 0 {
		p.Ceiling = defaultCeiling
	}
	if p.StageDuration <= 0 {
		p.StageDuration = defaultStageDuration
	}
	if p.MinStageSends < 0 {
		p.MinStageSends = defaultMinStageSends
	}
	if p.MaxBounceRate <= 0 {
		p.MaxBounceRate = defaultMaxBounceRate
	}
	if p.ReinstateReputation <= 0 {
		p.ReinstateReputation = defaultReinstateFloor
	}
	if p.MaintenanceSends < 0 {
		p.MaintenanceSends = defaultMaintenanceSends
	}
	return p
}

// Controller owns the NotStarted -> RampingUp(1..K) -> Warmed -> Suspended
// transitions. It mutates the account it is given and never persists.
type Controller struct {
	policy Policy
	logger *zap.Logger
}

func NewController(policy Policy, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		policy: policy.withDefaults(),
		logger: logger,
	}
}

func (c *Controller) Policy() Policy {
	return c.policy
}

// Start moves a NotStarted account to RampingUp(1).
func (c *Controller) Start(account *domain.Account, now time.Time) error {
	if account.WarmupState != domain.WarmupNotStarted {
		return fmt.Errorf("%w: cannot start warmup from %s", domain.ErrInvalidStateTransition, account.WarmupState)
	}

	account.WarmupState = domain.WarmupRampingUp
	account.WarmupStage = 1
	account.ResetStageHealth(now)
	return nil
}

// Reinstate lifts a suspension. The account resumes at the stage it held,
// with reputation raised to the reinstatement floor.
func (c *Controller) Reinstate(account *domain.Account, now time.Time) error {
	if account.WarmupState != domain.WarmupSuspended {
		return fmt.Errorf("%w: cannot reinstate from %s", domain.ErrInvalidStateTransition, account.WarmupState)
	}

	switch {
	case account.WarmupStage <= 0:
		account.WarmupState = domain.WarmupNotStarted
		account.WarmupStage = 0
	case account.WarmupStage >= c.policy.Stages:
		account.WarmupState = domain.WarmupWarmed
		account.WarmupStage = c.policy.Stages
	default:
		account.WarmupState = domain.WarmupRampingUp
	}
	account.ResetStageHealth(now)
	account.Reputation = domain.ClampReputation(max(account.Reputation, c.policy.ReinstateReputation))
	return nil
}

// Guard suspends the account when its reputation fell below the floor.
// It reports whether the state changed.
func (c *Controller) Guard(account *domain.Account) bool {
	if account.WarmupState == domain.WarmupSuspended {
		return false
	}
	if c.policy.SuspensionFloor <= 0 || account.Reputation >= c.policy.SuspensionFloor {
		return false
	}

	c.logger.Warn("account suspended: reputation below floor",
		zap.String("accountId", account.ID),
		zap.Float64("reputation", account.Reputation),
		zap.Float64("floor", c.policy.SuspensionFloor),
		zap.String("previousState", account.WarmupState.String()),
	)
	account.WarmupState = domain.WarmupSuspended
	return true
}

// Evaluate applies the suspension guard and, once the current stage has run
// its course, advances a healthy RampingUp account or stalls an unhealthy one.
// It reports whether the account changed.
func (c *Controller) Evaluate(account *domain.Account, now time.Time) bool {
	if c.Guard(account) {
		return true
	}
	if account.WarmupState != domain.WarmupRampingUp {
		return false
	}
	if account.StageStartedAt == nil {
		account.ResetStageHealth(now)
		return true
	}
	if now.Before(account.StageStartedAt.Add(c.policy.StageDuration)) {
		return false
	}

	if !c.stageHealthy(account) {
		c.logger.Info("warmup stage stalled",
			zap.String("accountId", account.ID),
			zap.Int("stage", account.WarmupStage),
			zap.Int("stageSent", account.StageSent),
			zap.Int("stageBounced", account.StageBounced),
			zap.Int("stageReplied", account.StageReplied),
		)
		return false
	}

	if account.WarmupStage >= c.policy.Stages {
		account.WarmupState = domain.WarmupWarmed
		account.WarmupStage = c.policy.Stages
	} else {
		account.WarmupStage++
	}
	account.ResetStageHealth(now)

	c.logger.Info("warmup stage advanced",
		zap.String("accountId", account.ID),
		zap.Int("stage", account.WarmupStage),
		zap.String("state", account.WarmupState.String()),
	)
	return true
}

func (c *Controller) stageHealthy(account *domain.Account) bool {
	if account.StageSent < c.policy.MinStageSends {
		return false
	}
	if account.StageSent == 0 {
		return true
	}

	sent := float64(account.StageSent)
	if float64(account.StageBounced)/sent > c.policy.MaxBounceRate {
		return false
	}
	return float64(account.StageReplied)/sent >= c.policy.MinReplyRate
}

// StageCap is the daily ceiling imposed by the account's warmup position.
func (c *Controller) StageCap(account domain.Account) int {
	switch account.WarmupState {
	case domain.WarmupSuspended:
		return 0
	case domain.WarmupRampingUp:
		return c.CapForStage(account.WarmupStage)
	default:
		return c.policy.Ceiling
	}
}

// CapForStage grows geometrically from InitialCap and is bounded by Ceiling.
func (c *Controller) CapForStage(stage int) int {
	if stage < 1 {
		stage = 1
	}
	raw := float64(c.policy.InitialCap) * math.Pow(c.policy.Growth, float64(stage-1))
	if raw >= float64(c.policy.Ceiling) {
		return c.policy.Ceiling
	}
	return int(math.Floor(raw))
}

// DailyWarmupVolume is how many warmup sends the cadence generator should
// produce for the account per local day.
func (c *Controller) DailyWarmupVolume(account domain.Account) int {
	switch account.WarmupState {
	case domain.WarmupRampingUp:
		return c.CapForStage(account.WarmupStage)
	case domain.WarmupWarmed:
		return c.policy.MaintenanceSends
	default:
		return 0
	}
}
