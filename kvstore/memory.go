package kvstore

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

const (
	DefaultMaxEntries      = 10000
	DefaultCleanupInterval = time.Minute
)

type MemoryConfig struct {
	MaxEntries      int    `json:"max_entries"`
	CleanupInterval string `json:"cleanup_interval"`
}

// MemoryStore keeps one map per named store. A single sweep goroutine removes
// expired entries across all stores; reads also evict lazily on expiry.
type MemoryStore struct {
	ctx         context.Context
	cancel      context.CancelFunc
	logger      types.Logger
	config      *MemoryConfig
	stores      map[string]*memoryBucket
	names       []string
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	running     int32
}

type memoryBucket struct {
	data      map[string]*types.KVEntry
	mu        sync.RWMutex
	hits      uint64
	misses    uint64
	evictions uint64
}

func NewMemoryStore(ctx context.Context, logger types.Logger, config *types.KVConfig) (types.KeyValueStore, error) {
	memConfig := &MemoryConfig{
		MaxEntries:      DefaultMaxEntries,
		CleanupInterval: "1m",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory kv config")
		}
	}

	storeCtx, cancel := context.WithCancel(ctx)

	m := &MemoryStore{
		ctx:         storeCtx,
		cancel:      cancel,
		logger:      logger,
		config:      memConfig,
		stores:      make(map[string]*memoryBucket, len(config.Stores)),
		names:       append([]string(nil), config.Stores...),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	for _, name := range config.Stores {
		m.stores[name] = &memoryBucket{data: make(map[string]*types.KVEntry)}
	}

	return m, nil
}

func (m *MemoryStore) Get(_ context.Context, store, key string) ([]byte, bool) {
	bucket, ok := m.bucket(store)
	if !ok {
		return nil, false
	}

	now := time.Now()

	bucket.mu.RLock()
	entry, exists := bucket.data[key]
	if !exists {
		bucket.mu.RUnlock()
		atomic.AddUint64(&bucket.misses, 1)
		return nil, false
	}

	if entry.Expired(now) {
		bucket.mu.RUnlock()
		bucket.mu.Lock()
		if entry, exists := bucket.data[key]; exists && entry.Expired(now) {
			delete(bucket.data, key)
		}
		bucket.mu.Unlock()
		atomic.AddUint64(&bucket.misses, 1)
		return nil, false
	}

	value := entry.Value
	bucket.mu.RUnlock()

	atomic.AddUint64(&bucket.hits, 1)
	return value, true
}

func (m *MemoryStore) Set(_ context.Context, store, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}

	bucket, ok := m.bucket(store)
	if !ok {
		return types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	now := time.Now()
	entry := &types.KVEntry{
		Key:       key,
		Value:     value,
		TTL:       ttl,
		CreatedAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	if m.config.MaxEntries > 0 {
		if _, exists := bucket.data[key]; !exists && len(bucket.data) >= m.config.MaxEntries {
			bucket.evictOldestLocked()
		}
	}

	bucket.data[key] = entry
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, store, key string) error {
	bucket, ok := m.bucket(store)
	if !ok {
		return types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	bucket.mu.Lock()
	delete(bucket.data, key)
	bucket.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteByPrefix(_ context.Context, store, prefix string) (int, error) {
	bucket, ok := m.bucket(store)
	if !ok {
		return 0, types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	count := 0
	for key := range bucket.data {
		if strings.HasPrefix(key, prefix) {
			delete(bucket.data, key)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) Flush(_ context.Context, store string) error {
	bucket, ok := m.bucket(store)
	if !ok {
		return types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	bucket.mu.Lock()
	bucket.data = make(map[string]*types.KVEntry)
	bucket.mu.Unlock()
	return nil
}

// Increment is the atomic counter primitive behind the rate limiter. The TTL
// is applied only when the counter is created, so the window start does not
// slide on subsequent hits.
func (m *MemoryStore) Increment(_ context.Context, store, key string, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, types.ErrStoreKeyEmpty
	}

	bucket, ok := m.bucket(store)
	if !ok {
		return 0, types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	now := time.Now()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	entry, exists := bucket.data[key]
	if !exists || entry.Expired(now) {
		entry = &types.KVEntry{
			Key:       key,
			Value:     []byte("1"),
			TTL:       ttl,
			CreatedAt: now,
		}
		if ttl > 0 {
			entry.ExpiresAt = now.Add(ttl)
		}
		bucket.data[key] = entry
		return 1, nil
	}

	count, err := strconv.ParseInt(utils.BytesToString(entry.Value), 10, 64)
	if err != nil {
		count = 0
	}
	count++
	entry.Value = []byte(strconv.FormatInt(count, 10))
	return count, nil
}

func (m *MemoryStore) TTL(_ context.Context, store, key string) (time.Duration, bool) {
	bucket, ok := m.bucket(store)
	if !ok {
		return 0, false
	}

	now := time.Now()

	bucket.mu.RLock()
	defer bucket.mu.RUnlock()

	entry, exists := bucket.data[key]
	if !exists || entry.Expired(now) {
		return 0, false
	}
	if entry.ExpiresAt.IsZero() {
		return 0, true
	}
	return entry.ExpiresAt.Sub(now), true
}

func (m *MemoryStore) Stats(_ context.Context, store string) (*types.StoreStats, error) {
	bucket, ok := m.bucket(store)
	if !ok {
		return nil, types.Errorf(types.ErrStoreUnknown, "store: %s", store)
	}

	bucket.mu.RLock()
	items := int64(len(bucket.data))
	var size int64
	for _, entry := range bucket.data {
		size += int64(len(entry.Key) + len(entry.Value))
	}
	bucket.mu.RUnlock()

	return &types.StoreStats{
		Store:     store,
		Items:     items,
		Bytes:     size,
		Hits:      atomic.LoadUint64(&bucket.hits),
		Misses:    atomic.LoadUint64(&bucket.misses),
		Evictions: atomic.LoadUint64(&bucket.evictions),
	}, nil
}

func (m *MemoryStore) Stores() []string {
	return append([]string(nil), m.names...)
}

func (m *MemoryStore) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	go m.cleanupLoop()

	m.logger.Info("Memory kv store started", zap.Strings("stores", m.names))
	return nil
}

func (m *MemoryStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	m.cancel()
	close(m.stopCleanup)

	select {
	case <-m.cleanupDone:
	case <-time.After(5 * time.Second):
		m.logger.Warn("Memory kv cleanup loop stop timeout")
	}

	m.logger.Info("Memory kv store stopped")
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryStore) bucket(store string) (*memoryBucket, bool) {
	bucket, ok := m.stores[store]
	return bucket, ok
}

func (m *MemoryStore) cleanupLoop() {
	defer close(m.cleanupDone)

	interval, err := time.ParseDuration(m.config.CleanupInterval)
	if err != nil || interval <= 0 {
		interval = DefaultCleanupInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *MemoryStore) sweep() {
	now := time.Now()
	removed := 0

	for _, bucket := range m.stores {
		bucket.mu.Lock()
		for key, entry := range bucket.data {
			if entry.Expired(now) {
				delete(bucket.data, key)
				removed++
			}
		}
		bucket.mu.Unlock()
	}

	if removed > 0 {
		m.logger.Debug("Expired kv entries swept", zap.Int("removed", removed))
	}
}

func (b *memoryBucket) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range b.data {
		if oldestKey == "" || entry.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CreatedAt
		}
	}

	if oldestKey != "" {
		delete(b.data, oldestKey)
		atomic.AddUint64(&b.evictions, 1)
	}
}
