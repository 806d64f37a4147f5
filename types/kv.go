package types

import (
	"context"
	"time"
)

// KeyValueStore is the shared cache substrate. Every method takes the name of
// one of the configured stores ("products", "settings", "api", "sessions").
//
// Get, Set and Delete never fail the caller on backend unavailability: they
// degrade to a miss or a no-op and log. Increment is the one operation whose
// error matters, because the rate limiter needs to distinguish "over limit"
// from "backend down" to fail open.
type KeyValueStore interface {
	LifecycleManager
	Get(ctx context.Context, store, key string) ([]byte, bool)
	Set(ctx context.Context, store, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, store, key string) error
	DeleteByPrefix(ctx context.Context, store, prefix string) (int, error)
	Flush(ctx context.Context, store string) error
	Increment(ctx context.Context, store, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, store, key string) (time.Duration, bool)
	Stats(ctx context.Context, store string) (*StoreStats, error)
	Stores() []string
}

type KVEntry struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"value"`
	TTL       time.Duration `json:"ttl"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func (e *KVEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

type StoreStats struct {
	Store     string `json:"store"`
	Items     int64  `json:"items"`
	Bytes     int64  `json:"bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}
