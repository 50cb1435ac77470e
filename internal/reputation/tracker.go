// Package reputation keeps per-account reputation and daily counters current
// from the send result log.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"github.com/kursadbilgin/outreach-engine/internal/observability"
	"github.com/kursadbilgin/outreach-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	maxSaveAttempts = 3
	// replyMemory bounds how many replied pending sends are remembered.
	replyMemory = 50_000
)

// Deltas are the reputation adjustments per outcome.
type Deltas struct {
	SentIncrement   float64
	BounceDecrement float64
	RejectDecrement float64
}

var DefaultDeltas = Deltas{
	SentIncrement:   0.01,
	BounceDecrement: 0.4,
	RejectDecrement: 0.1,
}

// Guard suspends an account whose reputation fell below the floor.
type Guard interface {
	Guard(account *domain.Account) bool
}

// CapPolicy derives an account's daily cap from its current state.
type CapPolicy interface {
	DailyCap(account domain.Account) int
}

// Tracker serializes every account mutation behind a per-account mutex.
type Tracker struct {
	accounts repository.AccountRepository
	results  repository.SendResultRepository
	guard    Guard
	caps     CapPolicy
	deltas   Deltas
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	locks   sync.Map // account id -> *sync.Mutex
	replies *lru.Cache[string, struct{}]
}

func NewTracker(
	accounts repository.AccountRepository,
	results repository.SendResultRepository,
	guard Guard,
	caps CapPolicy,
	deltas Deltas,
	logger *zap.Logger,
) (*Tracker, error) {
	if accounts == nil || results == nil {
		return nil, fmt.Errorf("account and result repositories are required")
	}
	if guard == nil || caps == nil {
		return nil, fmt.Errorf("guard and cap policy are required")
	}
	if deltas == (Deltas{}) {
		deltas = DefaultDeltas
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	replies, err := lru.New[string, struct{}](replyMemory)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply cache: %w", err)
	}

	return &Tracker{
		accounts: accounts,
		results:  results,
		guard:    guard,
		caps:     caps,
		deltas:   deltas,
		logger:   logger,
		now:      time.Now,
		replies:  replies,
	}, nil
}

func (t *Tracker) SetMetrics(metrics *observability.Metrics) {
	if t == nil {
		return
	}
	t.metrics = metrics
}

// ApplyResult folds one logged result into the account's reputation and
// returns the new score. The applied marker and the account change commit
// together, so a result is applied exactly once; repeats return
// domain.ErrDuplicateResult.
func (t *Tracker) ApplyResult(ctx context.Context, result domain.SendResult) (float64, error) {
	if err := result.Validate(); err != nil {
		return 0, err
	}

	unlock := t.lock(result.AccountID)
	defer unlock()

	var (
		account *domain.Account
		applied bool
		err     error
	)
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		account, applied, err = t.results.ApplyToAccount(ctx, result.ID, t.now(), result.AccountID, func(a *domain.Account) error {
			t.applyOutcome(a, result)
			return nil
		})
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
		t.logger.Debug("account version conflict while applying result, retrying",
			zap.String("resultId", result.ID),
			zap.Int("attempt", attempt+1),
		)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to apply result %s: %w", result.ID, err)
	}
	if !applied {
		return 0, domain.ErrDuplicateResult
	}

	t.metrics.SetReputation(account.ID, account.Reputation)
	t.logger.Debug("send result applied",
		zap.String("resultId", result.ID),
		zap.String("accountId", account.ID),
		zap.String("outcome", result.Outcome.String()),
		zap.Float64("reputation", account.Reputation),
	)

	return account.Reputation, nil
}

func (t *Tracker) applyOutcome(account *domain.Account, result domain.SendResult) {
	switch result.Outcome {
	case domain.OutcomeSent:
		account.Reputation += t.deltas.SentIncrement
		account.StageSent++
		sentAt := result.CreatedAt
		if sentAt.IsZero() {
			sentAt = t.now()
		}
		sentAt = sentAt.UTC()
		if account.LastSentAt == nil || sentAt.After(*account.LastSentAt) {
			account.LastSentAt = &sentAt
		}
	case domain.OutcomeBounced:
		account.Reputation -= t.deltas.BounceDecrement
		account.StageBounced++
	case domain.OutcomeRejected:
		account.Reputation -= t.deltas.RejectDecrement
	case domain.OutcomeDeferred:
	}

	account.Reputation = domain.ClampReputation(account.Reputation)
	t.guard.Guard(account)
}

// Reserve takes one unit of the account's daily capacity for a send at now.
// It fails with domain.ErrCapacityExhausted once sentToday reaches the cap.
func (t *Tracker) Reserve(ctx context.Context, accountID string, now time.Time) (*domain.Account, error) {
	unlock := t.lock(accountID)
	defer unlock()

	return t.updateLocked(ctx, accountID, func(a *domain.Account) error {
		a.RollDay(now)
		if a.SentToday >= t.caps.DailyCap(*a) {
			return domain.ErrCapacityExhausted
		}
		a.SentToday++
		return nil
	})
}

// Release returns a reservation taken on day when the send did not go out.
func (t *Tracker) Release(ctx context.Context, accountID string, day string) error {
	unlock := t.lock(accountID)
	defer unlock()

	_, err := t.updateLocked(ctx, accountID, func(a *domain.Account) error {
		if a.SentTodayDay == day && a.SentToday > 0 {
			a.SentToday--
		}
		return nil
	})
	return err
}

// RecordReply counts a reply towards the current stage's health. Replies to
// a recently replied pending send are reported as duplicates.
func (t *Tracker) RecordReply(ctx context.Context, accountID string, pendingSendID string) error {
	if pendingSendID != "" {
		if seen, _ := t.replies.ContainsOrAdd(pendingSendID, struct{}{}); seen {
			return domain.ErrDuplicateResult
		}
	}

	unlock := t.lock(accountID)
	defer unlock()

	_, err := t.updateLocked(ctx, accountID, func(a *domain.Account) error {
		a.StageReplied++
		return nil
	})
	if err != nil && pendingSendID != "" {
		t.replies.Remove(pendingSendID)
	}
	return err
}

// Update runs fn against the latest stored account under the account's lock
// and persists the result.
func (t *Tracker) Update(ctx context.Context, accountID string, fn func(a *domain.Account) error) (*domain.Account, error) {
	unlock := t.lock(accountID)
	defer unlock()

	account, err := t.updateLocked(ctx, accountID, fn)
	if err != nil {
		return nil, err
	}
	t.metrics.SetReputation(account.ID, account.Reputation)
	return account, nil
}

func (t *Tracker) updateLocked(ctx context.Context, accountID string, fn func(a *domain.Account) error) (*domain.Account, error) {
	var lastErr error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		account, err := t.accounts.GetByID(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load account %s: %w", accountID, err)
		}

		if err := fn(account); err != nil {
			return nil, err
		}
		account.Reputation = domain.ClampReputation(account.Reputation)

		err = t.accounts.Save(ctx, account)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("failed to save account %s: %w", accountID, err)
		}

		lastErr = err
		t.logger.Debug("account version conflict, retrying",
			zap.String("accountId", accountID),
			zap.Int("attempt", attempt+1),
		)
	}

	return nil, fmt.Errorf("failed to save account %s: %w", accountID, lastErr)
}

func (t *Tracker) lock(accountID string) func() {
	value, _ := t.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
