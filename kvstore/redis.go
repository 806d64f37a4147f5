package kvstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
	ScanBatch          int64         `json:"scan_batch"`
}

// incrScript creates the window counter atomically: the TTL is applied only
// on the first increment so concurrent hits share one window.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 and tonumber(ARGV[1]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

type RedisStore struct {
	ctx     context.Context
	logger  types.Logger
	config  *RedisConfig
	client  *redis.Client
	names   []string
	known   map[string]struct{}
	hits    uint64
	misses  uint64
	running int32
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.KVConfig) (types.KeyValueStore, error) {
	redisConfig := &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "mealhall",
		ScanBatch:          256,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis kv config")
		}
	}

	known := make(map[string]struct{}, len(config.Stores))
	for _, name := range config.Stores {
		known[name] = struct{}{}
	}

	r := &RedisStore{
		ctx:    ctx,
		logger: logger,
		config: redisConfig,
		names:  append([]string(nil), config.Stores...),
		known:  known,
		client: redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
			Password:     redisConfig.Password,
			DB:           redisConfig.DB,
			PoolSize:     redisConfig.PoolSize,
			MinIdleConns: redisConfig.MinIdleConnections,
			DialTimeout:  redisConfig.DialTimeout,
			ReadTimeout:  redisConfig.ReadTimeout,
			WriteTimeout: redisConfig.WriteTimeout,
		}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	return r, nil
}

func (r *RedisStore) Get(ctx context.Context, store, key string) ([]byte, bool) {
	if _, ok := r.known[store]; !ok || key == "" {
		return nil, false
	}

	result, err := r.client.Get(ctx, r.fullKey(store, key)).Bytes()
	if err != nil {
		if !types.IsError(err, redis.Nil) {
			r.logger.Warn("redis get failed, treating as miss",
				zap.String("store", store), zap.String("key", key), zap.Error(err))
		}
		atomic.AddUint64(&r.misses, 1)
		return nil, false
	}

	atomic.AddUint64(&r.hits, 1)
	return result, true
}

func (r *RedisStore) Set(ctx context.Context, store, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}
	if _, ok := r.known[store]; !ok {
		return types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	// ttl of zero means no expiry; the entry lives until an explicit
	// invalidation or a store flush.
	err := r.client.Set(ctx, r.fullKey(store, key), value, ttl).Err()
	if err != nil {
		r.logger.Warn("redis set failed",
			zap.String("store", store), zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to set kv entry")
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, store, key string) error {
	if _, ok := r.known[store]; !ok {
		return types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	if err := r.client.Del(ctx, r.fullKey(store, key)).Err(); err != nil {
		r.logger.Warn("redis delete failed",
			zap.String("store", store), zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to delete kv entry")
	}
	return nil
}

func (r *RedisStore) DeleteByPrefix(ctx context.Context, store, prefix string) (int, error) {
	if _, ok := r.known[store]; !ok {
		return 0, types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	return r.scanDelete(ctx, r.fullKey(store, prefix)+"*")
}

func (r *RedisStore) Flush(ctx context.Context, store string) error {
	if _, ok := r.known[store]; !ok {
		return types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	removed, err := r.scanDelete(ctx, r.storePrefix(store)+"*")
	if err != nil {
		return err
	}

	r.logger.Info("Store flushed", zap.String("store", store), zap.Int("removed", removed))
	return nil
}

func (r *RedisStore) Increment(ctx context.Context, store, key string, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, types.ErrStoreKeyEmpty
	}
	if _, ok := r.known[store]; !ok {
		return 0, types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	count, err := incrScript.Run(ctx, r.client, []string{r.fullKey(store, key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, types.WrapError(err, "failed to increment counter")
	}
	return count, nil
}

func (r *RedisStore) TTL(ctx context.Context, store, key string) (time.Duration, bool) {
	if _, ok := r.known[store]; !ok {
		return 0, false
	}

	ttl, err := r.client.PTTL(ctx, r.fullKey(store, key)).Result()
	if err != nil {
		return 0, false
	}
	// -1 means no expiry, -2 means missing key.
	if ttl == -1*time.Millisecond {
		return 0, true
	}
	if ttl < 0 {
		return 0, false
	}
	return ttl, true
}

func (r *RedisStore) Stats(ctx context.Context, store string) (*types.StoreStats, error) {
	if _, ok := r.known[store]; !ok {
		return nil, types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	var items int64
	var cursor uint64
	pattern := r.storePrefix(store) + "*"

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.config.ScanBatch).Result()
		if err != nil {
			return nil, types.WrapError(err, "failed to scan store")
		}
		items += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return &types.StoreStats{
		Store:  store,
		Items:  items,
		Hits:   atomic.LoadUint64(&r.hits),
		Misses: atomic.LoadUint64(&r.misses),
	}, nil
}

func (r *RedisStore) Stores() []string {
	return append([]string(nil), r.names...)
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	r.logger.Info("Redis kv store started", zap.Strings("stores", r.names))
	return nil
}

func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := r.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis kv store stopped")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.running) == 1
}

func (r *RedisStore) fullKey(store, key string) string {
	return r.storePrefix(store) + key
}

func (r *RedisStore) storePrefix(store string) string {
	return r.config.KeyPrefix + ":" + store + ":"
}

func (r *RedisStore) scanDelete(ctx context.Context, pattern string) (int, error) {
	var removed int
	var cursor uint64

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, r.config.ScanBatch).Result()
		if err != nil {
			return removed, types.WrapError(err, "failed to scan keys")
		}

		if len(keys) > 0 {
			deleted, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, types.WrapError(err, "failed to delete scanned keys")
			}
			removed += int(deleted)
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
