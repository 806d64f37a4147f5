package database

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
)

type CloverStore struct {
	db     *clover.DB
	logger types.Logger
	config *types.DatabaseConfig
	state  atomic.Value
}

func NewCloverStore(logger types.Logger, config *types.DatabaseConfig) (*CloverStore, error) {
	db, err := clover.Open(config.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open clover database")
	}

	store := &CloverStore{
		db:     db,
		logger: logger,
		config: config,
	}
	store.state.Store(StateStopped)
	return store, nil
}

func (c *CloverStore) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if c.getState() == StateStarting {
			c.setState(StateRunning)
		}
	}()

	c.logger.Info("Clover store started", zap.String("path", c.config.Path))
	return nil
}

func (c *CloverStore) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		c.setState(StateStopped)
	}()

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover database")
	}

	c.logger.Info("Clover store stopped gracefully")
	return nil
}

func (c *CloverStore) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *CloverStore) Get(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	exists, err := c.db.HasCollection(collection)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return nil, types.Errorf(types.ErrDocumentNotFound, "%s/%s", collection, id)
	}

	doc, err := c.db.Query(collection).Where(clover.Field("internal_id").Eq(id)).FindFirst()
	if err != nil {
		return nil, types.WrapError(err, "failed to find document")
	}
	if doc == nil {
		return nil, types.Errorf(types.ErrDocumentNotFound, "%s/%s", collection, id)
	}

	return c.toMap(doc)
}

func (c *CloverStore) GetMany(ctx context.Context, collection string, ids []string) ([]map[string]interface{}, error) {
	if len(ids) == 0 {
		return []map[string]interface{}{}, nil
	}

	exists, err := c.db.HasCollection(collection)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return []map[string]interface{}{}, nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	docs, err := c.db.Query(collection).Where(clover.Field("internal_id").In(members...)).FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to find documents")
	}

	return c.toMaps(docs), nil
}

func (c *CloverStore) Query(ctx context.Context, collection string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	exists, err := c.db.HasCollection(collection)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return []map[string]interface{}{}, nil
	}

	query := c.db.Query(collection)
	for field, value := range filter {
		query = query.Where(clover.Field(field).Eq(value))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	docs, err := query.FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to find documents")
	}

	return c.toMaps(docs), nil
}

func (c *CloverStore) Insert(ctx context.Context, collection string, doc map[string]interface{}) (string, error) {
	if err := c.ensureCollection(collection); err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now().UnixNano()

	entry := clover.NewDocument()
	for key, value := range doc {
		entry.Set(key, value)
	}
	entry.Set("internal_id", id)
	entry.Set("cr_time", now)
	entry.Set("ch_time", now)

	if err := c.db.Insert(collection, entry); err != nil {
		return "", types.WrapError(err, "failed to insert document")
	}
	return id, nil
}

func (c *CloverStore) Update(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	exists, err := c.db.HasCollection(collection)
	if err != nil {
		return types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return types.Errorf(types.ErrDocumentNotFound, "%s/%s", collection, id)
	}

	query := c.db.Query(collection).Where(clover.Field("internal_id").Eq(id))

	count, err := query.Count()
	if err != nil {
		return types.WrapError(err, "failed to count matching documents")
	}
	if count == 0 {
		return types.Errorf(types.ErrDocumentNotFound, "%s/%s", collection, id)
	}

	update := make(map[string]interface{}, len(fields)+1)
	for key, value := range fields {
		update[key] = value
	}
	update["ch_time"] = time.Now().UnixNano()

	if err := query.Update(update); err != nil {
		return types.WrapError(err, "failed to update document")
	}
	return nil
}

func (c *CloverStore) UpdateMany(ctx context.Context, collection string, ids []string, fields map[string]interface{}) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	exists, err := c.db.HasCollection(collection)
	if err != nil {
		return 0, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return 0, nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	query := c.db.Query(collection).Where(clover.Field("internal_id").In(members...))

	count, err := query.Count()
	if err != nil {
		return 0, types.WrapError(err, "failed to count matching documents")
	}
	if count == 0 {
		return 0, nil
	}

	update := make(map[string]interface{}, len(fields)+1)
	for key, value := range fields {
		update[key] = value
	}
	update["ch_time"] = time.Now().UnixNano()

	if err := query.Update(update); err != nil {
		return 0, types.WrapError(err, "failed to update documents")
	}
	return int64(count), nil
}

func (c *CloverStore) Delete(ctx context.Context, collection, id string) error {
	exists, err := c.db.HasCollection(collection)
	if err != nil {
		return types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return types.Errorf(types.ErrDocumentNotFound, "%s/%s", collection, id)
	}

	query := c.db.Query(collection).Where(clover.Field("internal_id").Eq(id))

	count, err := query.Count()
	if err != nil {
		return types.WrapError(err, "failed to count matching documents")
	}
	if count == 0 {
		return types.Errorf(types.ErrDocumentNotFound, "%s/%s", collection, id)
	}

	if err := query.Delete(); err != nil {
		return types.WrapError(err, "failed to delete document")
	}
	return nil
}

func (c *CloverStore) ensureCollection(collection string) error {
	exists, err := c.db.HasCollection(collection)
	if err != nil {
		return types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		if err := c.db.CreateCollection(collection); err != nil {
			return types.WrapError(err, "failed to create collection")
		}
	}
	return nil
}

func (c *CloverStore) toMap(doc *clover.Document) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	if err := doc.Unmarshal(&result); err != nil {
		return nil, types.WrapError(err, "failed to decode document")
	}
	delete(result, "_id")
	return result, nil
}

func (c *CloverStore) toMaps(docs []*clover.Document) []map[string]interface{} {
	results := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		result, err := c.toMap(doc)
		if err != nil {
			continue
		}
		results = append(results, result)
	}
	return results
}

// State management helpers

func (c *CloverStore) getState() State {
	return c.state.Load().(State)
}

func (c *CloverStore) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *CloverStore) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
