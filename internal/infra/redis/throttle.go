package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/outreach-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultSendsPerWindow int64 = 10
	defaultWindow               = time.Second
	backoffStep                 = 25 * time.Millisecond
	backoffMax                  = 250 * time.Millisecond
)

// Counts hits in the current window bucket; the bucket key expires with it.
var throttleScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.Throttle = (*Throttle)(nil)

// Throttle bounds outbound submissions per mail host across all workers.
// It protects the relay from bursts; daily caps are enforced elsewhere.
type Throttle struct {
	client *goredis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewThrottle(client *goredis.Client, sendsPerSecond int) (*Throttle, error) {
	return newThrottle(client, int64(sendsPerSecond), defaultWindow, time.Now, sleepWithContext)
}

func newThrottle(
	client *goredis.Client,
	limit int64,
	window time.Duration,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*Throttle, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		limit = defaultSendsPerWindow
	}
	if window <= 0 {
		window = defaultWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &Throttle{
		client: client,
		limit:  limit,
		window: window,
		now:    nowFn,
		sleep:  sleepFn,
	}, nil
}

func (t *Throttle) Allow(ctx context.Context, host string) (bool, error) {
	if t == nil || t.client == nil {
		return false, fmt.Errorf("throttle is not initialized")
	}

	normalized := strings.ToLower(strings.TrimSpace(host))
	if normalized == "" {
		return false, fmt.Errorf("throttle key is required")
	}

	bucket := t.now().UTC().UnixMilli() / t.window.Milliseconds()
	key := fmt.Sprintf("throttle:%s:%d", normalized, bucket)

	result, err := throttleScript.Run(ctx, t.client, []string{key}, t.limit, t.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate throttle: %w", err)
	}

	return result == 1, nil
}

func (t *Throttle) Wait(ctx context.Context, host string) error {
	backoff := backoffStep
	for {
		allowed, err := t.Allow(ctx, host)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := t.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff*2, backoffMax)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
