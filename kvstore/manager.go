package kvstore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
)

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.KeyValueStore, error) {
	kvConfig := config.GetConfig().KV

	var impl types.KeyValueStore
	var err error

	switch kvConfig.Type {
	case "memory":
		impl, err = NewMemoryStore(ctx, logger, kvConfig)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, kvConfig)
	default:
		return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", kvConfig.Type)
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedStore(logger, metrics, impl), nil
}

// instrumentedStore decorates a backend with operation metrics and owns the
// degradation policy: when a backend cannot enumerate keys for a prefix
// delete, it falls back to a full flush of that store. Correctness-safe,
// performance-costly.
type instrumentedStore struct {
	impl    types.KeyValueStore
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedStore(logger types.Logger, metrics types.MetricsManager, impl types.KeyValueStore) types.KeyValueStore {
	return &instrumentedStore{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *instrumentedStore) Get(ctx context.Context, store, key string) ([]byte, bool) {
	start := time.Now()
	value, exists := s.impl.Get(ctx, store, key)

	result := "miss"
	if exists {
		result = "hit"
	}
	s.record(store, "get", result, time.Since(start))
	return value, exists
}

func (s *instrumentedStore) Set(ctx context.Context, store, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.impl.Set(ctx, store, key, value, ttl)
	s.record(store, "set", resultOf(err), time.Since(start))
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, store, key string) error {
	start := time.Now()
	err := s.impl.Delete(ctx, store, key)
	s.record(store, "delete", resultOf(err), time.Since(start))
	return err
}

func (s *instrumentedStore) DeleteByPrefix(ctx context.Context, store, prefix string) (int, error) {
	start := time.Now()
	count, err := s.impl.DeleteByPrefix(ctx, store, prefix)

	if err != nil && types.IsError(err, types.ErrStoreNotEnumerable) {
		s.logger.Warn("Backend cannot enumerate keys, degrading to full store flush",
			zap.String("store", store), zap.String("prefix", prefix))

		if flushErr := s.impl.Flush(ctx, store); flushErr == nil {
			err = nil
		}
	}

	s.record(store, "delete_prefix", resultOf(err), time.Since(start))
	return count, err
}

func (s *instrumentedStore) Flush(ctx context.Context, store string) error {
	start := time.Now()
	err := s.impl.Flush(ctx, store)
	s.record(store, "flush", resultOf(err), time.Since(start))
	return err
}

func (s *instrumentedStore) Increment(ctx context.Context, store, key string, ttl time.Duration) (int64, error) {
	start := time.Now()
	count, err := s.impl.Increment(ctx, store, key, ttl)
	s.record(store, "increment", resultOf(err), time.Since(start))
	return count, err
}

func (s *instrumentedStore) TTL(ctx context.Context, store, key string) (time.Duration, bool) {
	return s.impl.TTL(ctx, store, key)
}

func (s *instrumentedStore) Stats(ctx context.Context, store string) (*types.StoreStats, error) {
	return s.impl.Stats(ctx, store)
}

func (s *instrumentedStore) Stores() []string {
	return s.impl.Stores()
}

func (s *instrumentedStore) Start() error {
	return s.impl.Start()
}

func (s *instrumentedStore) Stop() error {
	return s.impl.Stop()
}

func (s *instrumentedStore) IsRunning() bool {
	return s.impl.IsRunning()
}

func (s *instrumentedStore) record(store, operation, result string, duration time.Duration) {
	s.metrics.Counter("kv_operations_total", map[string]string{
		"store":     store,
		"operation": operation,
		"result":    result,
	}).Inc()

	s.metrics.Histogram("kv_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
