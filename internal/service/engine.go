package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/outreach-engine/internal/cadence"
	"github.com/kursadbilgin/outreach-engine/internal/dispatch"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"github.com/kursadbilgin/outreach-engine/internal/observability"
	"github.com/kursadbilgin/outreach-engine/internal/planner"
	"github.com/kursadbilgin/outreach-engine/internal/provider"
	"github.com/kursadbilgin/outreach-engine/internal/queue"
	"github.com/kursadbilgin/outreach-engine/internal/ratelimit"
	"github.com/kursadbilgin/outreach-engine/internal/repository"
	"github.com/kursadbilgin/outreach-engine/internal/reputation"
	"github.com/kursadbilgin/outreach-engine/internal/warmup"
	"go.uber.org/zap"
)

const (
	defaultHorizon        = 24 * time.Hour
	defaultDispatchWindow = 3 * time.Minute
	defaultStaleDispatch  = 10 * time.Minute
)

// CycleLocker guards scheduling cycles across processes.
type CycleLocker interface {
	TryAcquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// WarmupGenerator tops up the pool with the day's warmup sends.
type WarmupGenerator interface {
	Generate(ctx context.Context, now time.Time) (cadence.Report, error)
}

// Components wires the engine. Cadence and CycleLock are optional.
type Components struct {
	Accounts     repository.AccountRepository
	PendingSends repository.PendingSendRepository
	Warmup       *warmup.Controller
	Limiter      *ratelimit.Limiter
	Planner      *planner.Planner
	Executor     *dispatch.Executor
	Tracker      *reputation.Tracker
	Cadence      WarmupGenerator
	CycleLock    CycleLocker
}

// EngineOptions sizes one scheduling cycle.
type EngineOptions struct {
	// Horizon is how far ahead each cycle plans.
	Horizon time.Duration
	// DispatchWindow bounds which planned slots a cycle executes; later
	// slots are re-planned by the following cycle.
	DispatchWindow time.Duration
	// StaleDispatch is how long a claimed send may sit without a logged
	// result before recovery returns it to the pool.
	StaleDispatch time.Duration
}

// CycleReport summarizes one scheduling cycle.
type CycleReport struct {
	CycleID       string                  `json:"cycleId"`
	StartedAt     time.Time               `json:"startedAt"`
	Duration      time.Duration           `json:"duration"`
	Recovered     dispatch.RecoveryReport `json:"recovered"`
	Expired       int64                   `json:"expired"`
	WarmupCreated int                     `json:"warmupCreated"`
	WarmupChanged int                     `json:"warmupChanged"`
	Planned       int                     `json:"planned"`
	Unplaced      int                     `json:"unplaced"`
	Due           int                     `json:"due"`
	PlanDigest    string                  `json:"planDigest"`
	Dispatched    int                     `json:"dispatched"`
	Sent          int                     `json:"sent"`
	Deferred      int                     `json:"deferred"`
	Rejected      int                     `json:"rejected"`
	Skipped       int                     `json:"skipped"`
	Remaining     int                     `json:"remaining"`
}

// AccountState is the externally visible view of an account.
type AccountState struct {
	AccountID   string             `json:"accountId"`
	Email       string             `json:"email"`
	State       domain.WarmupState `json:"state"`
	Stage       int                `json:"stage"`
	Reputation  float64            `json:"reputation"`
	DailyCap    int                `json:"dailyCap"`
	SentToday   int                `json:"sentToday"`
	LastSentAt  *time.Time         `json:"lastSentAt,omitempty"`
	StageSent   int                `json:"stageSent"`
	StageBounce int                `json:"stageBounced"`
	StageReply  int                `json:"stageReplied"`
}

// Engine is the entry point to the delivery core.
type Engine struct {
	c       Components
	options EngineOptions
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	cycleMu sync.Mutex
}

func NewEngine(components Components, options EngineOptions, logger *zap.Logger) (*Engine, error) {
	switch {
	case components.Accounts == nil || components.PendingSends == nil:
		return nil, fmt.Errorf("account and pending send repositories are required")
	case components.Warmup == nil || components.Limiter == nil:
		return nil, fmt.Errorf("warmup controller and limiter are required")
	case components.Planner == nil || components.Executor == nil || components.Tracker == nil:
		return nil, fmt.Errorf("planner, executor and tracker are required")
	}
	if options.Horizon <= 0 {
		options.Horizon = defaultHorizon
	}
	if options.DispatchWindow <= 0 {
		options.DispatchWindow = defaultDispatchWindow
	}
	if options.StaleDispatch <= 0 {
		options.StaleDispatch = defaultStaleDispatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		c:       components,
		options: options,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SetMetrics also attaches metrics to the executor and tracker.
func (e *Engine) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
	e.c.Executor.SetMetrics(metrics)
	e.c.Tracker.SetMetrics(metrics)
}

// CreateAccount registers a sending account in NOT_STARTED with full reputation.
func (e *Engine) CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	if account == nil {
		return nil, fmt.Errorf("%w: account is required", domain.ErrValidation)
	}
	account.ID = strings.TrimSpace(account.ID)
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))
	if account.Timezone == "" {
		account.Timezone = "UTC"
	}
	account.WarmupState = domain.WarmupNotStarted
	account.WarmupStage = 0
	account.Reputation = domain.InitialReputation
	account.SentToday = 0
	account.SentTodayDay = ""
	account.Version = 0

	if err := account.Validate(); err != nil {
		return nil, err
	}
	if account.BaseCap < 0 {
		return nil, fmt.Errorf("%w: base cap must be >= 0", domain.ErrValidation)
	}

	if err := e.c.Accounts.Create(ctx, account); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("%w: account %s already exists", domain.ErrConflict, account.ID)
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	e.logger.Info("account registered",
		zap.String("accountId", account.ID),
		zap.String("email", account.Email),
	)
	return account, nil
}

// StartWarmup moves a NOT_STARTED account to stage 1 of the ramp.
func (e *Engine) StartWarmup(ctx context.Context, accountID string) (*AccountState, error) {
	now := e.now()
	account, err := e.c.Tracker.Update(ctx, accountID, func(a *domain.Account) error {
		return e.c.Warmup.Start(a, now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("warmup started", zap.String("accountId", accountID))
	return e.stateOf(*account, now), nil
}

// Reinstate lifts a suspension.
func (e *Engine) Reinstate(ctx context.Context, accountID string) (*AccountState, error) {
	now := e.now()
	account, err := e.c.Tracker.Update(ctx, accountID, func(a *domain.Account) error {
		return e.c.Warmup.Reinstate(a, now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("account reinstated",
		zap.String("accountId", accountID),
		zap.String("state", account.WarmupState.String()),
		zap.Int("stage", account.WarmupStage),
	)
	return e.stateOf(*account, now), nil
}

func (e *Engine) GetAccountState(ctx context.Context, accountID string) (*AccountState, error) {
	account, err := e.c.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return e.stateOf(*account, e.now()), nil
}

func (e *Engine) ListAccountStates(ctx context.Context) ([]AccountState, error) {
	accounts, err := e.c.Accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	now := e.now()
	states := make([]AccountState, 0, len(accounts))
	for _, account := range accounts {
		states = append(states, *e.stateOf(account, now))
	}
	return states, nil
}

func (e *Engine) stateOf(account domain.Account, now time.Time) *AccountState {
	return &AccountState{
		AccountID:   account.ID,
		Email:       account.Email,
		State:       account.WarmupState,
		Stage:       account.WarmupStage,
		Reputation:  account.Reputation,
		DailyCap:    e.c.Limiter.DailyCap(account),
		SentToday:   account.SentOn(account.LocalDay(now)),
		LastSentAt:  account.LastSentAt,
		StageSent:   account.StageSent,
		StageBounce: account.StageBounced,
		StageReply:  account.StageReplied,
	}
}

// EnqueuePendingSend adds a send to the pool. A repeated idempotency key
// returns the stored send with created=false.
func (e *Engine) EnqueuePendingSend(ctx context.Context, send domain.PendingSend) (*domain.PendingSend, bool, error) {
	send.ID = ""
	send.Status = domain.SendStatusPending
	send.AttemptCount = 0
	send.LastError = nil
	if send.Source == "" {
		send.Source = domain.SourceCampaign
	}
	if send.EarliestEligible.IsZero() {
		send.EarliestEligible = e.now().UTC()
	}
	if err := send.Validate(); err != nil {
		return nil, false, err
	}

	if _, err := e.c.Accounts.GetByID(ctx, send.AccountID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: unknown account %s", domain.ErrValidation, send.AccountID)
		}
		return nil, false, err
	}

	created, err := e.c.PendingSends.Enqueue(ctx, &send)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue pending send: %w", err)
	}
	if created {
		e.logger.Debug("pending send enqueued",
			zap.String("pendingSendId", send.ID),
			zap.String("accountId", send.AccountID),
			zap.String("source", send.Source.String()),
		)
	}
	return &send, created, nil
}

// HandlePendingSend is the intake queue entry point.
func (e *Engine) HandlePendingSend(ctx context.Context, msg queue.PendingSendMessage) error {
	_, _, err := e.EnqueuePendingSend(ctx, msg.ToPendingSend(e.now()))
	return err
}

// RecordBounce applies an asynchronous bounce or complaint.
func (e *Engine) RecordBounce(ctx context.Context, feedback domain.Feedback) error {
	if err := e.c.Executor.RecordBounce(ctx, feedback); err != nil {
		return err
	}
	e.metrics.IncFeedback(string(feedback.Kind))
	return nil
}

// UpdateAccount applies fn through the tracker's serialized account path.
func (e *Engine) UpdateAccount(ctx context.Context, accountID string, fn func(a *domain.Account) error) (*domain.Account, error) {
	return e.c.Tracker.Update(ctx, accountID, fn)
}

// RecordReply credits a reply to the stage health of the sending account.
func (e *Engine) RecordReply(ctx context.Context, feedback domain.Feedback) error {
	if feedback.Kind != "" && feedback.Kind != domain.FeedbackReply {
		return fmt.Errorf("%w: feedback kind %q is not a reply", domain.ErrValidation, feedback.Kind)
	}
	send, err := e.c.PendingSends.GetByID(ctx, feedback.PendingSendID)
	if err != nil {
		return err
	}
	if feedback.AccountID != "" && feedback.AccountID != send.AccountID {
		return fmt.Errorf("%w: feedback account %s does not own pending send %s",
			domain.ErrValidation, feedback.AccountID, send.ID)
	}

	if err := e.c.Tracker.RecordReply(ctx, send.AccountID, send.ID); err != nil {
		return err
	}
	e.metrics.IncFeedback(string(domain.FeedbackReply))
	return nil
}

// HandleFeedback is the feedback queue entry point. A provider Message-ID
// is resolved to the pending send it carries.
func (e *Engine) HandleFeedback(ctx context.Context, msg queue.FeedbackMessage) error {
	pendingSendID := strings.TrimSpace(msg.PendingSendID)
	if pendingSendID == "" {
		pendingSendID = provider.CorrelationID(msg.MessageID)
	}
	if pendingSendID == "" {
		return fmt.Errorf("%w: cannot correlate message id %q", domain.ErrValidation, msg.MessageID)
	}

	feedback := domain.Feedback{
		AccountID:     msg.AccountID,
		PendingSendID: pendingSendID,
		Kind:          msg.Kind,
		Detail:        msg.Detail,
	}
	if msg.OccurredAt != nil {
		feedback.OccurredAt = *msg.OccurredAt
	}

	var err error
	if msg.Kind == domain.FeedbackReply {
		err = e.RecordReply(ctx, feedback)
	} else {
		err = e.RecordBounce(ctx, feedback)
	}
	switch {
	case errors.Is(err, domain.ErrDuplicateResult):
		e.logger.Info("duplicate feedback ignored",
			zap.String("pendingSendId", pendingSendID),
			zap.String("kind", string(msg.Kind)),
		)
		return nil
	case errors.Is(err, domain.ErrInvalidStateTransition):
		// Redelivery cannot make an unsent message bounce.
		e.logger.Warn("feedback for unsent message dropped",
			zap.String("pendingSendId", pendingSendID),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err),
		)
		return nil
	}
	return err
}

// RunSchedulingCycle runs one plan/execute pass at now. An overlapping call
// returns domain.ErrCycleInProgress without doing anything. Only storage
// failures are returned as errors; per-send outcomes land in the report.
func (e *Engine) RunSchedulingCycle(ctx context.Context, now time.Time) (CycleReport, error) {
	if !e.cycleMu.TryLock() {
		e.logger.Warn("scheduling cycle skipped: previous cycle still running")
		e.metrics.ObserveCycle("skipped", 0)
		return CycleReport{}, domain.ErrCycleInProgress
	}
	defer e.cycleMu.Unlock()

	if e.c.CycleLock != nil {
		release, ok, err := e.c.CycleLock.TryAcquire(ctx)
		if err != nil {
			e.metrics.ObserveCycle("failed", 0)
			return CycleReport{}, fmt.Errorf("failed to acquire cycle lock: %w", err)
		}
		if !ok {
			e.logger.Warn("scheduling cycle skipped: another replica holds the cycle lock")
			e.metrics.ObserveCycle("skipped", 0)
			return CycleReport{}, domain.ErrCycleInProgress
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn("failed to release cycle lock", zap.Error(err))
			}
		}()
	}

	report := CycleReport{CycleID: uuid.NewString(), StartedAt: now.UTC()}
	ctx = observability.WithCycleID(ctx, report.CycleID)
	logger := observability.WithContextLogger(e.logger, ctx)
	started := e.now()

	err := e.runCycle(ctx, logger, now, &report)
	report.Duration = e.now().Sub(started)
	if err != nil {
		e.metrics.ObserveCycle("failed", report.Duration)
		logger.Error("scheduling cycle failed", zap.Error(err))
		return report, err
	}

	e.metrics.ObserveCycle("completed", report.Duration)
	e.metrics.AddPlanned(report.Planned, report.Unplaced)
	logger.Info("scheduling cycle completed",
		zap.Int("planned", report.Planned),
		zap.Int("unplaced", report.Unplaced),
		zap.Int("dispatched", report.Dispatched),
		zap.Int("sent", report.Sent),
		zap.Int("deferred", report.Deferred),
		zap.Int("rejected", report.Rejected),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (e *Engine) runCycle(ctx context.Context, logger *zap.Logger, now time.Time, report *CycleReport) error {
	recovered, err := e.c.Executor.Recover(ctx, e.options.StaleDispatch)
	if err != nil {
		return err
	}
	report.Recovered = recovered

	if e.c.Cadence != nil {
		generated, err := e.c.Cadence.Generate(ctx, now)
		if err != nil {
			return fmt.Errorf("failed to generate warmup sends: %w", err)
		}
		report.WarmupCreated = generated.Created
	}

	accounts, err := e.refreshAccounts(ctx, now, report)
	if err != nil {
		return err
	}

	expired, err := e.c.PendingSends.ExpireDue(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to expire pending sends: %w", err)
	}
	report.Expired = expired

	pending, err := e.c.PendingSends.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending sends: %w", err)
	}

	plan := e.c.Planner.Plan(accounts, pending, planner.Horizon{Start: now, End: now.Add(e.options.Horizon)})
	due := plan.Due(now.Add(e.options.DispatchWindow))
	report.Planned = len(plan.Assignments)
	report.Unplaced = len(plan.Unplaced)
	report.Due = len(due)
	report.PlanDigest = plan.DigestHex()

	logger.Info("dispatch plan built",
		zap.String("digest", report.PlanDigest),
		zap.Int("accounts", len(accounts)),
		zap.Int("pending", len(pending)),
		zap.Int("planned", report.Planned),
		zap.Int("due", report.Due),
	)

	result, err := e.c.Executor.Execute(ctx, due)
	report.Dispatched = result.Dispatched
	report.Sent = result.Sent
	report.Deferred = result.Deferred
	report.Rejected = result.Rejected
	report.Skipped = result.Skipped
	report.Remaining = result.Remaining
	if err != nil {
		return fmt.Errorf("dispatch aborted: %w", err)
	}
	return nil
}

// refreshAccounts rolls daily counters and lets the warmup controller
// advance or suspend each account before planning.
func (e *Engine) refreshAccounts(ctx context.Context, now time.Time, report *CycleReport) ([]domain.Account, error) {
	listed, err := e.c.Accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]domain.Account, 0, len(listed))
	for _, a := range listed {
		stage, state := a.WarmupStage, a.WarmupState
		updated, err := e.c.Tracker.Update(ctx, a.ID, func(acc *domain.Account) error {
			acc.RollDay(now)
			e.c.Warmup.Evaluate(acc, now)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to refresh account %s: %w", a.ID, err)
		}
		if updated.WarmupStage != stage || updated.WarmupState != state {
			report.WarmupChanged++
		}
		accounts = append(accounts, *updated)
	}
	return accounts, nil
}
