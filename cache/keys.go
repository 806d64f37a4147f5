package cache

import (
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/mealhall/mealhall-core/types"
)

const (
	StoreProducts = "products"
	StoreSettings = "settings"
	StoreAPI      = "api"
	StoreSessions = "sessions"
)

// StoreFor maps an entity type to the named kv store its entries live in.
func StoreFor(entityType types.EntityType) string {
	switch entityType {
	case types.EntitySetting:
		return StoreSettings
	case types.EntityOrder:
		return StoreAPI
	default:
		return StoreProducts
	}
}

// EntityKey is deterministic: two reads of the same entity in the same
// variant always build the same key.
func EntityKey(entityType types.EntityType, id string, variant string) types.CacheKey {
	key := string(entityType) + ":" + id
	if variant != "" {
		key += ":" + variant
	}
	return types.CacheKey{Store: StoreFor(entityType), Key: key}
}

// ListKey addresses a full collection listing ("product:list", optionally
// narrowed by a category id).
func ListKey(entityType types.EntityType, scope string) types.CacheKey {
	key := string(entityType) + ":list"
	if scope != "" {
		key += ":" + scope
	}
	return types.CacheKey{Store: StoreFor(entityType), Key: key}
}

// AggregateKey addresses a computed listing (featured, trending, popular).
func AggregateKey(entityType types.EntityType, name string) types.CacheKey {
	return types.CacheKey{Store: StoreAPI, Key: "agg:" + string(entityType) + ":" + name}
}

// QueryKey fingerprints a normalized query. The caller identity is folded in
// whenever the payload varies by caller, so two distinguishable requests can
// never collide on one entry.
func QueryKey(entityType types.EntityType, params map[string]string, callerID string) types.CacheKey {
	return types.CacheKey{
		Store: StoreAPI,
		Key:   "q:" + string(entityType) + ":" + Fingerprint(params, callerID),
	}
}

// ResponseKey addresses a full cached HTTP response. The entity type leads
// the key so the invalidation rules can reach serialized responses by prefix
// when the underlying entity mutates. Callers pass the query string in
// canonical sorted form; byte equality is then key equality. Routes that
// declare no entity type land under "resp:any:", which every rule set drops.
func ResponseKey(entityType types.EntityType, path, query, callerID string) string {
	h := fnv.New64a()
	h.Write([]byte(path))
	h.Write([]byte{'?'})
	h.Write([]byte(query))
	if callerID != "" {
		h.Write([]byte("#"))
		h.Write([]byte(callerID))
	}

	segment := string(entityType)
	if segment == "" {
		segment = "any"
	}
	return "resp:" + segment + ":" + strconv.FormatUint(h.Sum64(), 36)
}

func Fingerprint(params map[string]string, callerID string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	h := fnv.New64a()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(params[name]))
		h.Write([]byte{'&'})
	}
	if callerID != "" {
		h.Write([]byte("caller="))
		h.Write([]byte(callerID))
	}

	return strconv.FormatUint(h.Sum64(), 36)
}
