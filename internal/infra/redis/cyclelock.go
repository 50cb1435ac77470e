package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const cycleLockKey = "outreach:cycle-lock"

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// CycleLock serializes scheduling cycles across processes. Only the holder's
// token can release it; a crashed holder's lock expires after ttl.
type CycleLock struct {
	client *goredis.Client
	key    string
	ttl    time.Duration
	token  func() string
}

func NewCycleLock(client *goredis.Client, ttl time.Duration) (*CycleLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cycle lock ttl must be positive")
	}

	return &CycleLock{
		client: client,
		key:    cycleLockKey,
		ttl:    ttl,
		token:  uuid.NewString,
	}, nil
}

// TryAcquire returns a release func when the lock was taken and ok=false when
// another process holds it.
func (l *CycleLock) TryAcquire(ctx context.Context) (release func(context.Context) error, ok bool, err error) {
	token := l.token()

	acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}

	release = func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("failed to release cycle lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}
