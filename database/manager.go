package database

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func NewManager(config *types.DatabaseConfig, logger types.Logger, metrics types.MetricsManager) (types.DocumentStore, error) {
	var impl types.DocumentStore
	var err error

	switch config.Type {
	case "clover":
		impl, err = NewCloverStore(logger, config)
	case "memory":
		impl = NewMemoryStore()
	default:
		return nil, types.Errorf(types.ErrDatabaseTypeUnknown, "type: %s", config.Type)
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedStore(impl, logger, metrics), nil
}

type instrumentedStore struct {
	impl    types.DocumentStore
	logger  types.Logger
	metrics types.MetricsManager
	state   atomic.Value
}

func newInstrumentedStore(impl types.DocumentStore, logger types.Logger, metrics types.MetricsManager) *instrumentedStore {
	store := &instrumentedStore{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
	store.state.Store(StateStopped)
	return store
}

func (s *instrumentedStore) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if s.getState() == StateStarting {
			s.setState(StateRunning)
		}
	}()

	if err := s.impl.Start(); err != nil {
		s.setState(StateStopped)
		return err
	}

	s.logger.Info("Document store started")
	return nil
}

func (s *instrumentedStore) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(StateStopped)
	}()

	if err := s.impl.Stop(); err != nil {
		s.logger.Error("Failed to stop document store", zap.Error(err))
		return err
	}

	s.logger.Info("Document store stopped gracefully")
	return nil
}

func (s *instrumentedStore) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *instrumentedStore) Get(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	defer s.observe("get", collection, time.Now())
	return s.impl.Get(ctx, collection, id)
}

func (s *instrumentedStore) GetMany(ctx context.Context, collection string, ids []string) ([]map[string]interface{}, error) {
	defer s.observe("get_many", collection, time.Now())
	return s.impl.GetMany(ctx, collection, ids)
}

func (s *instrumentedStore) Query(ctx context.Context, collection string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	defer s.observe("query", collection, time.Now())
	return s.impl.Query(ctx, collection, filter, limit)
}

func (s *instrumentedStore) Insert(ctx context.Context, collection string, doc map[string]interface{}) (string, error) {
	defer s.observe("insert", collection, time.Now())
	return s.impl.Insert(ctx, collection, doc)
}

func (s *instrumentedStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	defer s.observe("update", collection, time.Now())
	return s.impl.Update(ctx, collection, id, fields)
}

func (s *instrumentedStore) UpdateMany(ctx context.Context, collection string, ids []string, fields map[string]interface{}) (int64, error) {
	defer s.observe("update_many", collection, time.Now())
	return s.impl.UpdateMany(ctx, collection, ids, fields)
}

func (s *instrumentedStore) Delete(ctx context.Context, collection, id string) error {
	defer s.observe("delete", collection, time.Now())
	return s.impl.Delete(ctx, collection, id)
}

func (s *instrumentedStore) observe(operation, collection string, start time.Time) {
	s.metrics.Histogram("db_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 10.0},
		map[string]string{"operation": operation, "collection": collection},
	).Observe(time.Since(start).Seconds())
}

func (s *instrumentedStore) getState() State {
	return s.state.Load().(State)
}

func (s *instrumentedStore) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *instrumentedStore) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
