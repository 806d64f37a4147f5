package types

import (
	"context"
	"time"
)

type RateDecision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// RateLimiter guards request routes with fixed-window counters on the shared
// KeyValueStore. Check is a single atomic check-and-increment; on counter
// store failure it fails open.
type RateLimiter interface {
	Check(ctx context.Context, identity Identity, route string) RateDecision
}

type Identity struct {
	Key           string
	Authenticated bool
}
