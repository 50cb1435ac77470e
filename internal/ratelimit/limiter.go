package ratelimit

import "context"

// Throttle bounds provider-wide send throughput per key, e.g. an SMTP host.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
