package service

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultCycleInterval   = 3 * time.Minute
	defaultCycleRetryDelay = 30 * time.Second
)

// CycleFunc runs one scheduling cycle.
type CycleFunc func(ctx context.Context, now time.Time) (CycleReport, error)

// CycleRunner triggers scheduling cycles periodically. A failed cycle is
// retried as a whole after a fixed delay instead of waiting for the next tick.
type CycleRunner struct {
	run        CycleFunc
	interval   time.Duration
	retryDelay time.Duration
	logger     *zap.Logger
	now        func() time.Time
	after      func(d time.Duration) <-chan time.Time
}

func NewCycleRunner(run CycleFunc, interval, retryDelay time.Duration, logger *zap.Logger) (*CycleRunner, error) {
	if run == nil {
		return nil, errors.New("cycle func is required")
	}
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	if retryDelay <= 0 {
		retryDelay = defaultCycleRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CycleRunner{
		run:        run,
		interval:   interval,
		retryDelay: retryDelay,
		logger:     logger,
		now:        time.Now,
		after:      time.After,
	}, nil
}

func (r *CycleRunner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	wait := r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.after(wait):
			wait = r.tick(ctx)
		}
	}
}

// tick runs one cycle and returns how long to wait before the next one.
func (r *CycleRunner) tick(ctx context.Context) time.Duration {
	_, err := r.run(ctx, r.now())
	switch {
	case err == nil:
		return r.interval
	case ctx.Err() != nil:
		return r.interval
	case errors.Is(err, domain.ErrCycleInProgress):
		return r.interval
	default:
		r.logger.Error("scheduling cycle failed, retrying",
			zap.Duration("retryIn", r.retryDelay),
			zap.Error(err),
		)
		return r.retryDelay
	}
}
