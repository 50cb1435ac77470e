// Package cadence produces the daily warmup sends for accounts that are
// ramping up or being kept warm.
package cadence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"github.com/kursadbilgin/outreach-engine/internal/observability"
	"go.uber.org/zap"
)

// VolumePolicy tells the generator how many warmup sends an account needs per day.
type VolumePolicy interface {
	DailyWarmupVolume(account domain.Account) int
}

// AccountLister is the read side of the account store.
type AccountLister interface {
	List(ctx context.Context) ([]domain.Account, error)
}

// Enqueuer adds a pending send to the pool, deduplicating on its idempotency key.
type Enqueuer interface {
	Enqueue(ctx context.Context, p *domain.PendingSend) (created bool, err error)
}

type template struct {
	subject string
	body    string
}

var templates = []template{
	{subject: "Quick question", body: "Hi, hope your week is going well. Do you have a minute to catch up later?"},
	{subject: "Following up", body: "Hello, just following up on our last conversation. Let me know what works for you."},
	{subject: "Notes from today", body: "Hi there, sharing a couple of notes from today. Happy to go over them when you are free."},
	{subject: "Lunch next week?", body: "Hey, are you around next week? It would be good to grab lunch."},
	{subject: "Thanks again", body: "Thanks again for the help earlier, it made a real difference."},
}

// Report counts what one Generate run did.
type Report struct {
	Accounts int `json:"accounts"`
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

type Generator struct {
	accounts AccountLister
	pool     Enqueuer
	volume   VolumePolicy
	seeds    []string
	logger   *zap.Logger
}

func NewGenerator(accounts AccountLister, pool Enqueuer, volume VolumePolicy, seeds []string, logger *zap.Logger) (*Generator, error) {
	if accounts == nil || pool == nil {
		return nil, fmt.Errorf("account lister and enqueuer are required")
	}
	if volume == nil {
		return nil, fmt.Errorf("volume policy is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cleaned := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if seed = strings.ToLower(strings.TrimSpace(seed)); strings.Contains(seed, "@") {
			cleaned = append(cleaned, seed)
		}
	}

	return &Generator{
		accounts: accounts,
		pool:     pool,
		volume:   volume,
		seeds:    cleaned,
		logger:   logger,
	}, nil
}

// Generate enqueues the warmup sends due on each account's local day at now.
// Keys are derived from account, day and sequence number, so repeated runs
// within a day only fill the gap left by a larger volume.
func (g *Generator) Generate(ctx context.Context, now time.Time) (Report, error) {
	var report Report
	logger := observability.WithContextLogger(g.logger, ctx)

	if len(g.seeds) == 0 {
		logger.Debug("warmup pool is empty, skipping cadence run")
		return report, nil
	}

	accounts, err := g.accounts.List(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list accounts: %w", err)
	}

	for _, account := range accounts {
		volume := g.volume.DailyWarmupVolume(account)
		if volume <= 0 {
			continue
		}
		report.Accounts++

		for _, send := range g.sendsFor(account, now, volume) {
			created, err := g.pool.Enqueue(ctx, &send)
			if err != nil {
				return report, fmt.Errorf("failed to enqueue warmup send %s: %w", send.IdempotencyKey, err)
			}
			if created {
				report.Created++
			} else {
				report.Existing++
			}
		}
	}

	if report.Created > 0 {
		logger.Info("warmup sends generated",
			zap.Int("accounts", report.Accounts),
			zap.Int("created", report.Created),
		)
	}
	return report, nil
}

func (g *Generator) sendsFor(account domain.Account, now time.Time, volume int) []domain.PendingSend {
	loc := account.Location()
	local := now.In(loc)
	day := local.Format(domain.DayLayout)
	nextMidnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc).UTC()
	eligible := now.UTC()

	sends := make([]domain.PendingSend, 0, volume)
	for n := 0; n < volume; n++ {
		key := IdempotencyKey(account.ID, day, n)
		recipient, ok := g.recipient(account, key)
		if !ok {
			break
		}
		tpl := templates[xxhash.Sum64String("tpl:"+key)%uint64(len(templates))]
		expiresAt := nextMidnight

		sends = append(sends, domain.PendingSend{
			IdempotencyKey:   key,
			Source:           domain.SourceWarmup,
			AccountID:        account.ID,
			Recipient:        recipient,
			Subject:          tpl.subject,
			Body:             tpl.body,
			EarliestEligible: eligible,
			ExpiresAt:        &expiresAt,
			Status:           domain.SendStatusPending,
		})
	}
	return sends
}

// recipient picks a pool address for key, never the account's own mailbox.
func (g *Generator) recipient(account domain.Account, key string) (string, bool) {
	own := strings.ToLower(strings.TrimSpace(account.Email))
	start := xxhash.Sum64String(key) % uint64(len(g.seeds))
	for i := 0; i < len(g.seeds); i++ {
		candidate := g.seeds[(start+uint64(i))%uint64(len(g.seeds))]
		if candidate != own {
			return candidate, true
		}
	}
	return "", false
}

// IdempotencyKey is the pool key of the n-th warmup send of an account on a local day.
func IdempotencyKey(accountID, day string, n int) string {
	return fmt.Sprintf("warmup:%s:%s:%d", accountID, day, n)
}
