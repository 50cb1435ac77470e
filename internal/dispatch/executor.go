// Package dispatch executes planned assignments against the send primitive
// and records every outcome in the send result log.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"github.com/kursadbilgin/outreach-engine/internal/observability"
	"github.com/kursadbilgin/outreach-engine/internal/provider"
	"github.com/kursadbilgin/outreach-engine/internal/ratelimit"
	"github.com/kursadbilgin/outreach-engine/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency     = 16
	defaultSendTimeout     = 30 * time.Second
	defaultMaxAttempts     = 5
	defaultBaseRetryDelay  = time.Minute
	defaultMaxRetryDelay   = time.Hour
	maxRetryJitterFraction = 10

	reasonRetryExhausted = "retry_exhausted"
)

// Ledger is the slice of the reputation tracker the executor writes through.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, now time.Time) (*domain.Account, error)
	Release(ctx context.Context, accountID string, day string) error
	ApplyResult(ctx context.Context, result domain.SendResult) (float64, error)
}

// Options tunes concurrency, timeouts and the retry schedule.
type Options struct {
	Concurrency    int
	SendTimeout    time.Duration
	MaxAttempts    int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = defaultConcurrency
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = defaultBaseRetryDelay
	}
	if o.MaxRetryDelay < o.BaseRetryDelay {
		o.MaxRetryDelay = max(defaultMaxRetryDelay, o.BaseRetryDelay)
	}
	return o
}

// Report counts what happened to the assignments handed to Execute.
type Report struct {
	Dispatched int `json:"dispatched"`
	Sent       int `json:"sent"`
	Deferred   int `json:"deferred"`
	Rejected   int `json:"rejected"`
	// Skipped covers assignments that were not claimable or had no capacity.
	Skipped int `json:"skipped"`
	// Remaining were left unclaimed because the context ended.
	Remaining int `json:"remaining"`
}

func (r *Report) add(o Report) {
	r.Dispatched += o.Dispatched
	r.Sent += o.Sent
	r.Deferred += o.Deferred
	r.Rejected += o.Rejected
	r.Skipped += o.Skipped
	r.Remaining += o.Remaining
}

type Executor struct {
	pending  repository.PendingSendRepository
	results  repository.SendResultRepository
	ledger   Ledger
	sender   provider.Sender
	throttle ratelimit.Throttle
	options  Options
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	randIntn func(n int) int
}

func NewExecutor(
	pending repository.PendingSendRepository,
	results repository.SendResultRepository,
	ledger Ledger,
	sender provider.Sender,
	throttle ratelimit.Throttle,
	options Options,
	logger *zap.Logger,
) (*Executor, error) {
	if pending == nil || results == nil {
		return nil, fmt.Errorf("pending send and result repositories are required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		pending:  pending,
		results:  results,
		ledger:   ledger,
		sender:   sender,
		throttle: throttle,
		options:  options.withDefaults(),
		logger:   logger,
		now:      time.Now,
		sleep:    sleepUntil,
		randIntn: rand.Intn,
	}, nil
}

func (e *Executor) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

// SetClock replaces the time source and the wait before each slot.
func (e *Executor) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	if now != nil {
		e.now = now
	}
	if sleep != nil {
		e.sleep = sleep
	}
}

// Execute dispatches assignments. Accounts run concurrently while each
// account's assignments run one after another in plan order. Per-send
// failures are recorded and never fail the call; an error is returned only
// when storage is unavailable.
func (e *Executor) Execute(ctx context.Context, assignments []domain.Assignment) (Report, error) {
	logger := observability.WithContextLogger(e.logger, ctx)

	byAccount := make(map[string][]domain.Assignment)
	order := make([]string, 0)
	for _, a := range assignments {
		if _, ok := byAccount[a.Slot.AccountID]; !ok {
			order = append(order, a.Slot.AccountID)
		}
		byAccount[a.Slot.AccountID] = append(byAccount[a.Slot.AccountID], a)
	}

	var (
		mu     sync.Mutex
		report Report
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.options.Concurrency)

	for _, accountID := range order {
		items := byAccount[accountID]
		g.Go(func() error {
			accountReport, err := e.runAccount(groupCtx, logger, items)

			mu.Lock()
			report.add(accountReport)
			mu.Unlock()

			if err != nil {
				logger.Error("account dispatch aborted",
					zap.String("accountId", accountID),
					zap.Error(err),
				)
			}
			return err
		})
	}

	err := g.Wait()
	return report, err
}

func (e *Executor) runAccount(ctx context.Context, logger *zap.Logger, items []domain.Assignment) (Report, error) {
	var report Report

	for i, item := range items {
		if err := e.sleep(ctx, item.Slot.At.Sub(e.now())); err != nil {
			report.Remaining += len(items) - i
			return report, nil
		}

		outcome, err := e.dispatch(ctx, logger, item)
		if err != nil {
			report.Remaining += len(items) - i - 1
			return report, err
		}

		switch outcome {
		case "":
			report.Skipped++
		case domain.OutcomeSent:
			report.Dispatched++
			report.Sent++
		case domain.OutcomeDeferred:
			report.Dispatched++
			report.Deferred++
		default:
			report.Dispatched++
			report.Rejected++
		}
	}

	return report, nil
}

// dispatch runs one assignment end to end. An empty outcome means the item
// was skipped without calling the send primitive.
func (e *Executor) dispatch(ctx context.Context, logger *zap.Logger, item domain.Assignment) (domain.Outcome, error) {
	send, err := e.pending.Claim(ctx, item.Send.ID)
	if err != nil {
		return "", fmt.Errorf("failed to claim pending send %s: %w", item.Send.ID, err)
	}
	if send == nil {
		logger.Debug("pending send no longer claimable, skipping",
			zap.String("pendingSendId", item.Send.ID),
		)
		return "", nil
	}

	// Once claimed, bookkeeping must finish even if the cycle is canceled,
	// otherwise the send would be stuck in DISPATCHING.
	bookCtx := context.WithoutCancel(ctx)

	now := e.now()
	if send.IsExpired(now) {
		msg := "expired before dispatch"
		if err := e.pending.Complete(bookCtx, send.ID, domain.SendStatusExpired, &msg); err != nil {
			return "", fmt.Errorf("failed to expire pending send %s: %w", send.ID, err)
		}
		return "", nil
	}

	account, err := e.ledger.Reserve(bookCtx, send.AccountID, now)
	if err != nil {
		if releaseErr := e.pending.Release(bookCtx, send.ID); releaseErr != nil {
			return "", fmt.Errorf("failed to release pending send %s: %w", send.ID, releaseErr)
		}
		if errors.Is(err, domain.ErrCapacityExhausted) || errors.Is(err, domain.ErrNotFound) {
			logger.Info("no capacity for pending send, returned to pool",
				zap.String("pendingSendId", send.ID),
				zap.String("accountId", send.AccountID),
				zap.Error(err),
			)
			return "", nil
		}
		return "", fmt.Errorf("failed to reserve capacity: %w", err)
	}

	if e.throttle != nil {
		if err := e.throttle.Wait(ctx, throttleKey(*account)); err != nil {
			if releaseErr := e.releaseCapacity(bookCtx, *account); releaseErr != nil {
				return "", releaseErr
			}
			if releaseErr := e.pending.Release(bookCtx, send.ID); releaseErr != nil {
				return "", fmt.Errorf("failed to release pending send %s: %w", send.ID, releaseErr)
			}
			if ctx.Err() != nil {
				return "", nil
			}
			return "", fmt.Errorf("throttle wait failed: %w", err)
		}
	}

	source := strings.ToLower(send.Source.String())
	e.metrics.IncDispatchInFlight(source)
	sendCtx, cancel := context.WithTimeout(ctx, e.options.SendTimeout)
	started := e.now()
	receipt, sendErr := e.sender.Send(sendCtx, *account, *send)
	timedOut := sendCtx.Err() != nil
	cancel()
	e.metrics.DecDispatchInFlight(source)
	e.metrics.ObserveSendDuration(source, e.now().Sub(started))

	attempt := send.AttemptCount + 1
	outcome := domain.OutcomeSent
	var reason *string
	if sendErr != nil {
		msg := sendErr.Error()
		reason = &msg
		outcome = domain.OutcomeRejected
		// An interrupted or timed out send has an unknown fate; retry it
		// rather than drop it.
		if provider.IsTransient(sendErr) || timedOut {
			outcome = domain.OutcomeDeferred
		}
	}

	result := domain.SendResult{
		ID:            uuid.NewString(),
		PendingSendID: send.ID,
		AccountID:     send.AccountID,
		Source:        send.Source,
		Outcome:       outcome,
		AttemptNumber: attempt,
		Error:         reason,
		CreatedAt:     e.now().UTC(),
	}
	if receipt != nil && receipt.MessageID != "" {
		messageID := receipt.MessageID
		result.ProviderMessageID = &messageID
	}

	// The result is logged before reputation or pool state changes so a crash
	// in between can be replayed from the log.
	if err := e.results.Append(bookCtx, &result); err != nil {
		return "", fmt.Errorf("failed to append send result: %w", err)
	}
	e.metrics.IncSendOutcome(source, outcome.String())

	if outcome != domain.OutcomeSent {
		if err := e.releaseCapacity(bookCtx, *account); err != nil {
			return "", err
		}
	}

	_, err = e.ledger.ApplyResult(bookCtx, result)
	switch {
	case errors.Is(err, domain.ErrDuplicateResult):
		logger.Info("duplicate send result ignored",
			zap.String("resultId", result.ID),
			zap.String("pendingSendId", send.ID),
		)
	case err != nil:
		return "", fmt.Errorf("failed to apply send result: %w", err)
	}

	if err := e.settle(bookCtx, logger, *send, outcome, attempt, reason); err != nil {
		return "", err
	}

	return outcome, nil
}

func (e *Executor) settle(
	ctx context.Context,
	logger *zap.Logger,
	send domain.PendingSend,
	outcome domain.Outcome,
	attempt int,
	reason *string,
) error {
	source := strings.ToLower(send.Source.String())

	switch outcome {
	case domain.OutcomeSent:
		if err := e.pending.Complete(ctx, send.ID, domain.SendStatusSent, nil); err != nil {
			return fmt.Errorf("failed to complete pending send %s: %w", send.ID, err)
		}
		return nil

	case domain.OutcomeDeferred:
		if attempt < e.options.MaxAttempts {
			retryAt := e.now().Add(e.computeRetryDelay(attempt))
			if err := e.pending.Requeue(ctx, send.ID, retryAt, reason); err != nil {
				return fmt.Errorf("failed to requeue pending send %s: %w", send.ID, err)
			}
			e.metrics.IncRetryScheduled(source)
			logger.Info("send deferred",
				zap.String("pendingSendId", send.ID),
				zap.Int("attempt", attempt),
				zap.Time("retryAt", retryAt),
			)
			return nil
		}

		exhausted := reasonRetryExhausted
		if reason != nil {
			exhausted = reasonRetryExhausted + ": " + *reason
		}
		if err := e.pending.Complete(ctx, send.ID, domain.SendStatusRejected, &exhausted); err != nil {
			return fmt.Errorf("failed to reject pending send %s: %w", send.ID, err)
		}
		logger.Warn("send rejected after retries",
			zap.String("pendingSendId", send.ID),
			zap.Int("attempt", attempt),
		)
		return nil

	default:
		if err := e.pending.Complete(ctx, send.ID, domain.SendStatusRejected, reason); err != nil {
			return fmt.Errorf("failed to reject pending send %s: %w", send.ID, err)
		}
		logger.Warn("send rejected",
			zap.String("pendingSendId", send.ID),
			zap.Stringp("reason", reason),
		)
		return nil
	}
}

func (e *Executor) releaseCapacity(ctx context.Context, account domain.Account) error {
	if err := e.ledger.Release(ctx, account.ID, account.SentTodayDay); err != nil {
		return fmt.Errorf("failed to release capacity: %w", err)
	}
	return nil
}

// RecordBounce logs an asynchronous bounce or complaint for a sent message
// and applies the bounce penalty. Redelivered feedback for the same pending
// send maps to the same result id and is reported as a duplicate.
func (e *Executor) RecordBounce(ctx context.Context, feedback domain.Feedback) error {
	if feedback.Kind != domain.FeedbackBounce && feedback.Kind != domain.FeedbackComplaint {
		return fmt.Errorf("%w: feedback kind %q is not a bounce", domain.ErrValidation, feedback.Kind)
	}
	if strings.TrimSpace(feedback.PendingSendID) == "" {
		return fmt.Errorf("%w: pending send id is required", domain.ErrValidation)
	}

	send, err := e.pending.GetByID(ctx, feedback.PendingSendID)
	if err != nil {
		return fmt.Errorf("failed to load pending send %s: %w", feedback.PendingSendID, err)
	}
	if feedback.AccountID != "" && feedback.AccountID != send.AccountID {
		return fmt.Errorf("%w: feedback account %s does not own pending send %s",
			domain.ErrValidation, feedback.AccountID, send.ID)
	}
	// Only a delivered message can bounce; BOUNCED is accepted so redelivered
	// feedback resolves to a duplicate.
	if send.Status != domain.SendStatusSent && send.Status != domain.SendStatusBounced {
		return fmt.Errorf("%w: pending send %s is %s, not sent", domain.ErrInvalidStateTransition, send.ID, send.Status)
	}

	occurredAt := feedback.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = e.now()
	}
	detail := strings.TrimSpace(feedback.Detail)
	if detail == "" {
		detail = strings.ToLower(string(feedback.Kind))
	}

	result := domain.SendResult{
		ID:            BounceResultID(send.ID),
		PendingSendID: send.ID,
		AccountID:     send.AccountID,
		Source:        send.Source,
		Outcome:       domain.OutcomeBounced,
		AttemptNumber: max(send.AttemptCount, 1),
		Error:         &detail,
		CreatedAt:     occurredAt.UTC(),
	}

	err = e.results.Append(ctx, &result)
	switch {
	case errors.Is(err, domain.ErrConflict):
		// Already logged; still make sure it was applied.
	case err != nil:
		return fmt.Errorf("failed to append bounce result: %w", err)
	default:
		e.metrics.IncSendOutcome(strings.ToLower(send.Source.String()), domain.OutcomeBounced.String())
	}

	reputation, applyErr := e.ledger.ApplyResult(ctx, result)
	if applyErr != nil && !errors.Is(applyErr, domain.ErrDuplicateResult) {
		return applyErr
	}

	if send.Status == domain.SendStatusSent {
		if err := e.pending.MarkBounced(ctx, send.ID, detail); err != nil {
			return fmt.Errorf("failed to mark pending send %s bounced: %w", send.ID, err)
		}
	}
	if applyErr != nil {
		e.logger.Info("duplicate bounce ignored",
			zap.String("pendingSendId", send.ID),
			zap.String("resultId", result.ID),
		)
		return applyErr
	}

	e.logger.Info("bounce recorded",
		zap.String("pendingSendId", send.ID),
		zap.String("accountId", send.AccountID),
		zap.String("kind", string(feedback.Kind)),
		zap.Float64("reputation", reputation),
	)
	return nil
}

// BounceResultID is the deterministic result id for feedback on a pending send.
func BounceResultID(pendingSendID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("bounce:"+pendingSendID)).String()
}

func (e *Executor) computeRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	delay := e.options.BaseRetryDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= e.options.MaxRetryDelay {
			delay = e.options.MaxRetryDelay
			break
		}
	}

	jitter := time.Duration(0)
	if span := int(delay / maxRetryJitterFraction); e.randIntn != nil && span > 0 {
		jitter = time.Duration(e.randIntn(span + 1))
	}

	return delay + jitter
}

func throttleKey(account domain.Account) string {
	if account.SMTP.IsConfigured() {
		return account.SMTP.Host
	}
	return "relay"
}

func sleepUntil(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
