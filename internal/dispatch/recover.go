package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"go.uber.org/zap"
)

const recoverBatchSize = 500

// RecoveryReport counts the repairs made by Recover.
type RecoveryReport struct {
	Replayed int   `json:"replayed"`
	Settled  int   `json:"settled"`
	Returned int64 `json:"returned"`
}

// Recover finishes work a crashed dispatcher left behind. Logged results that
// were never applied are applied and their pending sends settled; sends stuck
// in DISPATCHING for longer than staleAfter without a logged result go back
// to the pool. It must not run concurrently with Execute.
func (e *Executor) Recover(ctx context.Context, staleAfter time.Duration) (RecoveryReport, error) {
	var report RecoveryReport
	logger := e.logger

	unapplied, err := e.results.ListUnapplied(ctx, recoverBatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list unapplied results: %w", err)
	}

	for _, result := range unapplied {
		_, err := e.ledger.ApplyResult(ctx, result)
		switch {
		case errors.Is(err, domain.ErrDuplicateResult):
		case errors.Is(err, domain.ErrNotFound):
			logger.Warn("result references unknown account, skipping",
				zap.String("resultId", result.ID),
				zap.String("accountId", result.AccountID),
			)
			continue
		case err != nil:
			return report, fmt.Errorf("failed to replay result %s: %w", result.ID, err)
		default:
			report.Replayed++
		}

		settled, err := e.settleReplayed(ctx, result)
		if err != nil {
			return report, err
		}
		if settled {
			report.Settled++
		}
	}

	returned, err := e.pending.RecoverStale(ctx, e.now().Add(-staleAfter))
	if err != nil {
		return report, fmt.Errorf("failed to recover stale pending sends: %w", err)
	}
	report.Returned = returned

	if report.Replayed > 0 || report.Settled > 0 || report.Returned > 0 {
		logger.Warn("recovered interrupted dispatch work",
			zap.Int("replayed", report.Replayed),
			zap.Int("settled", report.Settled),
			zap.Int64("returned", report.Returned),
		)
	}
	return report, nil
}

func (e *Executor) settleReplayed(ctx context.Context, result domain.SendResult) (bool, error) {
	send, err := e.pending.GetByID(ctx, result.PendingSendID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load pending send %s: %w", result.PendingSendID, err)
	}

	if result.Outcome == domain.OutcomeBounced {
		detail := "bounce"
		if result.Error != nil {
			detail = *result.Error
		}
		err := e.pending.MarkBounced(ctx, send.ID, detail)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return false, fmt.Errorf("failed to mark pending send %s bounced: %w", send.ID, err)
		}
		return err == nil, nil
	}

	if send.Status != domain.SendStatusDispatching || send.AttemptCount+1 != result.AttemptNumber {
		return false, nil
	}
	if err := e.settle(ctx, e.logger, *send, result.Outcome, result.AttemptNumber, result.Error); err != nil {
		return false, err
	}
	return true, nil
}
