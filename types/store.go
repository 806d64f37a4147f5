package types

import "context"

// DocumentStore is the backing store consumed by the read-through cache and
// the bulk mutation jobs. Schema and migrations live outside this module.
type DocumentStore interface {
	LifecycleManager
	Get(ctx context.Context, collection, id string) (map[string]interface{}, error)
	GetMany(ctx context.Context, collection string, ids []string) ([]map[string]interface{}, error)
	Query(ctx context.Context, collection string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error)
	Insert(ctx context.Context, collection string, doc map[string]interface{}) (string, error)
	Update(ctx context.Context, collection, id string, fields map[string]interface{}) error
	UpdateMany(ctx context.Context, collection string, ids []string, fields map[string]interface{}) (int64, error)
	Delete(ctx context.Context, collection, id string) error
}
