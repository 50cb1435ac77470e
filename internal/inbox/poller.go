package inbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"github.com/kursadbilgin/outreach-engine/internal/observability"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 5 * time.Minute
	defaultLookback     = 72 * time.Hour
)

// FeedbackSink receives the signals found in a mailbox.
type FeedbackSink interface {
	RecordBounce(ctx context.Context, feedback domain.Feedback) error
	RecordReply(ctx context.Context, feedback domain.Feedback) error
}

type AccountLister interface {
	List(ctx context.Context) ([]domain.Account, error)
}

// AccountUpdater persists the sync watermark through the serialized account path.
type AccountUpdater interface {
	UpdateAccount(ctx context.Context, accountID string, fn func(a *domain.Account) error) (*domain.Account, error)
}

// PollReport counts one pass over all mailboxes.
type PollReport struct {
	Accounts int `json:"accounts"`
	Replies  int `json:"replies"`
	Bounces  int `json:"bounces"`
	Failed   int `json:"failed"`
}

// Poller periodically syncs every IMAP-enabled account and forwards
// correlated replies and bounces.
type Poller struct {
	accounts AccountLister
	updater  AccountUpdater
	source   Source
	sink     FeedbackSink
	interval time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewPoller(
	accounts AccountLister,
	updater AccountUpdater,
	source Source,
	sink FeedbackSink,
	interval time.Duration,
	logger *zap.Logger,
) (*Poller, error) {
	if accounts == nil || updater == nil {
		return nil, fmt.Errorf("account lister and updater are required")
	}
	if source == nil {
		return nil, fmt.Errorf("inbox source is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("feedback sink is required")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Poller{
		accounts: accounts,
		updater:  updater,
		source:   source,
		sink:     sink,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (p *Poller) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

func (p *Poller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("inbox initial poll failed", zap.Error(err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("inbox poll failed", zap.Error(err))
			}
		}
	}
}

// Poll syncs every account once. A failing mailbox is logged and skipped.
func (p *Poller) Poll(ctx context.Context) (PollReport, error) {
	var report PollReport

	accounts, err := p.accounts.List(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list accounts: %w", err)
	}

	for _, account := range accounts {
		if !account.IMAP.IsConfigured() {
			continue
		}
		report.Accounts++

		replies, bounces, err := p.SyncAccount(ctx, account)
		report.Replies += replies
		report.Bounces += bounces
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed++
			p.logger.Warn("inbox sync failed",
				zap.String("accountId", account.ID),
				zap.Error(err),
			)
		}
	}

	return report, nil
}

// SyncAccount forwards the feedback found since the account's watermark and
// advances the watermark past the newest message processed.
func (p *Poller) SyncAccount(ctx context.Context, account domain.Account) (replies int, bounces int, err error) {
	since := p.now().Add(-defaultLookback)
	if account.InboxSyncedAt != nil {
		since = *account.InboxSyncedAt
	}

	messages, err := p.source.Fetch(ctx, account, since)
	if err != nil {
		return 0, 0, err
	}

	slices.SortStableFunc(messages, func(a, b Message) int { return a.Date.Compare(b.Date) })

	watermark := since
	for _, msg := range messages {
		feedback, ok := Classify(account, msg)
		if ok {
			if err := p.forward(ctx, feedback); err != nil {
				p.storeWatermark(ctx, account.ID, watermark, since)
				return replies, bounces, err
			}
			switch feedback.Kind {
			case domain.FeedbackReply:
				replies++
			default:
				bounces++
			}
			p.metrics.IncFeedback(string(feedback.Kind))
		}
		if msg.Date.After(watermark) {
			watermark = msg.Date
		}
	}

	p.storeWatermark(ctx, account.ID, watermark, since)
	return replies, bounces, nil
}

func (p *Poller) forward(ctx context.Context, feedback domain.Feedback) error {
	var err error
	if feedback.Kind == domain.FeedbackReply {
		err = p.sink.RecordReply(ctx, feedback)
	} else {
		err = p.sink.RecordBounce(ctx, feedback)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrDuplicateResult), errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidStateTransition):
		p.logger.Debug("inbox feedback ignored",
			zap.String("pendingSendId", feedback.PendingSendID),
			zap.String("kind", string(feedback.Kind)),
			zap.Error(err),
		)
		return nil
	default:
		return fmt.Errorf("failed to record %s feedback: %w", feedback.Kind, err)
	}
}

func (p *Poller) storeWatermark(ctx context.Context, accountID string, watermark, since time.Time) {
	if !watermark.After(since) {
		return
	}
	synced := watermark.UTC()
	_, err := p.updater.UpdateAccount(ctx, accountID, func(a *domain.Account) error {
		if a.InboxSyncedAt == nil || synced.After(*a.InboxSyncedAt) {
			a.InboxSyncedAt = &synced
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("failed to store inbox watermark",
			zap.String("accountId", accountID),
			zap.Error(err),
		)
	}
}
