package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mealhall/mealhall-core/types"
)

// MemoryStore keeps collections as maps of deep-copied documents. Copy on
// both write and read keeps callers from mutating shared state through a
// retained reference.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]interface{}
	state       atomic.Value
}

func NewMemoryStore() *MemoryStore {
	store := &MemoryStore{
		collections: make(map[string]map[string]map[string]interface{}),
	}
	store.state.Store(StateStopped)
	return store
}

func (m *MemoryStore) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}
	m.setState(StateRunning)
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	m.setState(StateStopped)
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *MemoryStore) Get(_ context.Context, collection, id string) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs, exists := m.collections[collection]
	if !exists {
		return nil, types.Errorf(types.ErrDocumentNotFound, "%s/%s", collection, id)
	}

	doc, exists := docs[id]
	if !exists {
		return nil, types.Errorf(types.ErrDocumentNotFound, "%s/%s", collection, id)
	}
	return copyDoc(doc), nil
}

func (m *MemoryStore) GetMany(_ context.Context, collection string, ids []string) ([]map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs := m.collections[collection]
	results := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		if doc, exists := docs[id]; exists {
			results = append(results, copyDoc(doc))
		}
	}
	return results, nil
}

func (m *MemoryStore) Query(_ context.Context, collection string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []map[string]interface{}
	for _, doc := range m.collections[collection] {
		if !matches(doc, filter) {
			continue
		}
		results = append(results, copyDoc(doc))
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	if results == nil {
		results = []map[string]interface{}{}
	}
	return results, nil
}

func (m *MemoryStore) Insert(_ context.Context, collection string, doc map[string]interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]map[string]interface{})
	}

	id := uuid.NewString()
	now := time.Now().UnixNano()

	stored := copyDoc(doc)
	stored["internal_id"] = id
	stored["cr_time"] = now
	stored["ch_time"] = now

	m.collections[collection][id] = stored
	return id, nil
}

func (m *MemoryStore) Update(_ context.Context, collection, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	doc, exists := docs[id]
	if !exists {
		return types.Errorf(types.ErrDocumentNotFound, "%s/%s", collection, id)
	}

	for key, value := range fields {
		doc[key] = value
	}
	doc["ch_time"] = time.Now().UnixNano()
	return nil
}

func (m *MemoryStore) UpdateMany(_ context.Context, collection string, ids []string, fields map[string]interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	now := time.Now().UnixNano()

	var updated int64
	for _, id := range ids {
		doc, exists := docs[id]
		if !exists {
			continue
		}
		for key, value := range fields {
			doc[key] = value
		}
		doc["ch_time"] = now
		updated++
	}
	return updated, nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	if _, exists := docs[id]; !exists {
		return types.Errorf(types.ErrDocumentNotFound, "%s/%s", collection, id)
	}
	delete(docs, id)
	return nil
}

func matches(doc, filter map[string]interface{}) bool {
	for field, want := range filter {
		if doc[field] != want {
			return false
		}
	}
	return true
}

func copyDoc(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for key, value := range doc {
		out[key] = value
	}
	return out
}

// State management helpers

func (m *MemoryStore) getState() State {
	return m.state.Load().(State)
}

func (m *MemoryStore) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryStore) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}
