package cache

import (
	"strings"

	"github.com/mealhall/mealhall-core/types"
)

// Rules is the declarative invalidation table: entity type mutated → cache
// key patterns to delete. Patterns ending in '*' are prefix deletes, "{id}"
// expands to the mutated entity's id. Aggregate rules cover computed listings
// and fire only when a dirty field participates in one.
//
// Adding a cached aggregate without a matching rule here is how staleness
// bugs happen; TestRuleCoverage guards the table against the key builders.
type Rules map[types.EntityType][]types.InvalidationRule

func DefaultRules() Rules {
	return Rules{
		types.EntityProduct: {
			{Store: StoreProducts, Pattern: "product:{id}*"},
			{Store: StoreProducts, Pattern: "product:list*"},
			{Store: StoreAPI, Pattern: "q:product:*"},
			{Store: StoreAPI, Pattern: "resp:product:*"},
			{Store: StoreAPI, Pattern: "resp:any:*"},
			{Store: StoreAPI, Pattern: "agg:product:*", Aggregate: true},
		},
		types.EntityCategory: {
			{Store: StoreProducts, Pattern: "category:{id}*"},
			{Store: StoreProducts, Pattern: "category:list*"},
			{Store: StoreProducts, Pattern: "product:list*"},
			{Store: StoreAPI, Pattern: "q:category:*"},
			// Category writes reshape product listings, so product responses
			// drop alongside category ones.
			{Store: StoreAPI, Pattern: "resp:category:*"},
			{Store: StoreAPI, Pattern: "resp:product:*"},
			{Store: StoreAPI, Pattern: "resp:any:*"},
			{Store: StoreAPI, Pattern: "agg:category:*", Aggregate: true},
			{Store: StoreAPI, Pattern: "agg:product:*", Aggregate: true},
		},
		types.EntitySetting: {
			{Store: StoreSettings, Pattern: "setting:{id}*"},
			{Store: StoreSettings, Pattern: "setting:list*"},
			{Store: StoreAPI, Pattern: "q:setting:*"},
			{Store: StoreAPI, Pattern: "resp:setting:*"},
			{Store: StoreAPI, Pattern: "resp:any:*"},
			{Store: StoreAPI, Pattern: "agg:*", Aggregate: true},
		},
		types.EntityOrder: {
			{Store: StoreAPI, Pattern: "order:{id}*"},
			{Store: StoreAPI, Pattern: "order:list*"},
			{Store: StoreAPI, Pattern: "q:order:*"},
			{Store: StoreAPI, Pattern: "resp:order:*"},
			{Store: StoreAPI, Pattern: "resp:any:*"},
			{Store: StoreAPI, Pattern: "agg:order:*", Aggregate: true},
		},
	}
}

// AggregateFields lists the fields whose mutation can move an entity in or
// out of a computed listing. Chosen by inspection; extending the cached
// aggregates means extending this table by hand.
var AggregateFields = map[types.EntityType][]string{
	types.EntityProduct:  {"status", "price", "is_featured", "category_id"},
	types.EntityCategory: {"status", "position"},
	types.EntitySetting:  {"value"},
	types.EntityOrder:    {"status", "total"},
}

// TouchesAggregates reports whether any dirty field participates in a
// computed aggregate for the entity type.
func TouchesAggregates(entityType types.EntityType, dirtyFields []string) bool {
	watched := AggregateFields[entityType]
	for _, dirty := range dirtyFields {
		for _, field := range watched {
			if dirty == field {
				return true
			}
		}
	}
	return false
}

// Validate fails fast at startup when the rule table leaves a cached entity
// type uncovered or references an unconfigured store.
func (r Rules) Validate(policy *types.CachePolicyConfig, stores []string) error {
	if len(r) == 0 {
		return types.ErrCacheRuleMissing
	}

	known := make(map[string]struct{}, len(stores))
	for _, store := range stores {
		known[store] = struct{}{}
	}

	for name := range policy.EntityTTL {
		entityType := types.EntityType(name)
		rules, exists := r[entityType]
		if !exists || len(rules) == 0 {
			return types.Errorf(types.ErrCacheRuleMissing, "entity type: %s", name)
		}

		for _, rule := range rules {
			if _, ok := known[rule.Store]; !ok {
				return types.Errorf(types.ErrStoreUnknown, "rule for %s references store %s", name, rule.Store)
			}
			if rule.Pattern == "" {
				return types.Errorf(types.ErrCacheRuleMissing, "empty pattern for entity type %s", name)
			}
		}
	}

	return nil
}

func expandPattern(pattern, id string) (key string, prefix bool) {
	key = strings.ReplaceAll(pattern, "{id}", id)
	if strings.HasSuffix(key, "*") {
		return strings.TrimSuffix(key, "*"), true
	}
	return key, false
}
