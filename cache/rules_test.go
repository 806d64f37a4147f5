package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealhall/mealhall-core/types"
)

var allStores = []string{StoreProducts, StoreSettings, StoreAPI, StoreSessions}

func coveredBy(rules []types.InvalidationRule, key types.CacheKey, id string) bool {
	for _, rule := range rules {
		if rule.Store != key.Store {
			continue
		}
		expanded, prefix := expandPattern(rule.Pattern, id)
		if prefix && strings.HasPrefix(key.Key, expanded) {
			return true
		}
		if !prefix && expanded == key.Key {
			return true
		}
	}
	return false
}

// TestRuleCoverage checks the invalidation table against the key builders:
// every key a mutation can make stale must be deletable by some rule for that
// entity type. A new cached key shape lands here first.
func TestRuleCoverage(t *testing.T) {
	rules := DefaultRules()

	for entityType := range AggregateFields {
		entityRules := rules[entityType]
		require.NotEmpty(t, entityRules, "no rules for %s", entityType)

		assert.True(t, coveredBy(entityRules, EntityKey(entityType, "x1", ""), "x1"),
			"entity key for %s not covered", entityType)
		assert.True(t, coveredBy(entityRules, EntityKey(entityType, "x1", "admin"), "x1"),
			"entity key variant for %s not covered", entityType)

		assert.True(t, coveredBy(entityRules, ListKey(entityType, ""), "x1"),
			"list key for %s not covered", entityType)
		assert.True(t, coveredBy(entityRules, ListKey(entityType, "scope"), "x1"),
			"scoped list key for %s not covered", entityType)

		assert.True(t, coveredBy(entityRules, AggregateKey(entityType, "featured"), "x1"),
			"aggregate key for %s not covered", entityType)
		assert.True(t, coveredBy(entityRules, QueryKey(entityType, map[string]string{"a": "b"}, ""), "x1"),
			"query key for %s not covered", entityType)

		respKey := types.CacheKey{Store: StoreAPI, Key: ResponseKey(entityType, "/api/things", "a=1", "")}
		assert.True(t, coveredBy(entityRules, respKey, "x1"),
			"response key for %s not covered", entityType)
		respUntyped := types.CacheKey{Store: StoreAPI, Key: ResponseKey("", "/api/things", "", "")}
		assert.True(t, coveredBy(entityRules, respUntyped, "x1"),
			"untyped response key not covered by %s rules", entityType)
	}
}

func TestCategoryMutationCoversProductListings(t *testing.T) {
	rules := DefaultRules()[types.EntityCategory]

	assert.True(t, coveredBy(rules, ListKey(types.EntityProduct, ""), "c1"),
		"category mutation must drop product listings")
	assert.True(t, coveredBy(rules, AggregateKey(types.EntityProduct, "featured"), "c1"),
		"category mutation must drop product aggregates")

	productResp := types.CacheKey{Store: StoreAPI, Key: ResponseKey(types.EntityProduct, "/api/products", "", "")}
	assert.True(t, coveredBy(rules, productResp, "c1"),
		"category mutation must drop cached product responses")
}

func TestRulesValidate(t *testing.T) {
	policy := testPolicy()

	require.NoError(t, DefaultRules().Validate(policy, allStores))

	t.Run("uncovered entity type", func(t *testing.T) {
		rules := DefaultRules()
		delete(rules, types.EntityOrder)
		err := rules.Validate(policy, allStores)
		assert.True(t, types.IsError(err, types.ErrCacheRuleMissing))
	})

	t.Run("unknown store", func(t *testing.T) {
		rules := DefaultRules()
		rules[types.EntityProduct] = append(rules[types.EntityProduct],
			types.InvalidationRule{Store: "nope", Pattern: "x*"})
		err := rules.Validate(policy, allStores)
		assert.True(t, types.IsError(err, types.ErrStoreUnknown))
	})

	t.Run("empty pattern", func(t *testing.T) {
		rules := DefaultRules()
		rules[types.EntityProduct] = append(rules[types.EntityProduct],
			types.InvalidationRule{Store: StoreProducts})
		err := rules.Validate(policy, allStores)
		assert.True(t, types.IsError(err, types.ErrCacheRuleMissing))
	})

	t.Run("empty table", func(t *testing.T) {
		err := Rules{}.Validate(policy, allStores)
		assert.True(t, types.IsError(err, types.ErrCacheRuleMissing))
	})
}

func TestTouchesAggregates(t *testing.T) {
	assert.True(t, TouchesAggregates(types.EntityProduct, []string{"name", "price"}))
	assert.False(t, TouchesAggregates(types.EntityProduct, []string{"name", "description"}))
	assert.True(t, TouchesAggregates(types.EntityOrder, []string{"status"}))
	assert.False(t, TouchesAggregates(types.EntityType("widget"), []string{"status"}))
}

func TestExpandPattern(t *testing.T) {
	key, prefix := expandPattern("product:{id}*", "p1")
	assert.Equal(t, "product:p1", key)
	assert.True(t, prefix)

	key, prefix = expandPattern("product:list", "p1")
	assert.Equal(t, "product:list", key)
	assert.False(t, prefix)
}

func TestKeyDeterminism(t *testing.T) {
	assert.Equal(t, EntityKey(types.EntityProduct, "p1", "admin"), EntityKey(types.EntityProduct, "p1", "admin"))
	assert.Equal(t,
		QueryKey(types.EntityProduct, map[string]string{"a": "1", "b": "2"}, "u1"),
		QueryKey(types.EntityProduct, map[string]string{"b": "2", "a": "1"}, "u1"),
		"fingerprint must not depend on map order")
	assert.NotEqual(t,
		QueryKey(types.EntityProduct, map[string]string{"a": "1"}, "u1"),
		QueryKey(types.EntityProduct, map[string]string{"a": "1"}, "u2"),
		"caller identity must separate entries")
	assert.NotEqual(t,
		ResponseKey(types.EntityProduct, "/api/products", "a=1", ""),
		ResponseKey(types.EntityProduct, "/api/products", "a=2", ""))
	assert.Equal(t,
		ResponseKey(types.EntityProduct, "/api/products", "a=1&b=2", ""),
		ResponseKey(types.EntityProduct, "/api/products", "a=1&b=2", ""))
	assert.True(t, strings.HasPrefix(ResponseKey(types.EntityProduct, "/api/products", "", ""), "resp:product:"))
	assert.True(t, strings.HasPrefix(ResponseKey("", "/x", "", ""), "resp:any:"))
}
