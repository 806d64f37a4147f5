package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrRouteConflict        = errors.New("route conflict")
	ErrHandlerIsNil         = errors.New("handler is nil")
)

var (
	ErrStoreUnknown       = errors.New("store unknown")
	ErrStoreKeyEmpty      = errors.New("store key empty")
	ErrStoreTypeUnknown   = errors.New("kv backend type unknown")
	ErrStoreUnavailable   = errors.New("kv backend unavailable")
	ErrStoreNotEnumerable = errors.New("kv backend cannot enumerate keys")
)

var (
	ErrCacheRuleMissing  = errors.New("no invalidation rule for entity type")
	ErrCacheKeyEmpty     = errors.New("cache key empty")
	ErrCachePolicyEmpty  = errors.New("cache policy has no entity types")
	ErrEntityTypeUnknown = errors.New("entity type unknown")
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRouteRuleMissing  = errors.New("no rate limit rule for route")
)

var (
	ErrJobKindUnknown     = errors.New("job kind unknown")
	ErrJobCatalogEmpty    = errors.New("job catalog is empty")
	ErrJobHandlerIsNil    = errors.New("job handler is nil")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobPayloadTooLarge = errors.New("job payload too large")
	ErrQueueTypeUnknown   = errors.New("queue backend type unknown")
	ErrQueueStopped       = errors.New("queue stopped")
	ErrJobTimeout         = errors.New("job execution timeout")
	ErrLaneUnknown        = errors.New("lane unknown")
)

var (
	ErrDocumentNotFound     = errors.New("document not found")
	ErrDatabaseTypeUnknown  = errors.New("database backend type unknown")
	ErrCollectionNotFound   = errors.New("collection not found")
	ErrDatabaseUnavailable  = errors.New("database unavailable")
	ErrDocumentIDConflict   = errors.New("document id conflict")
	ErrInvalidDocumentShape = errors.New("invalid document shape")
)

var (
	ErrDeliveryEndpointUnknown = errors.New("delivery endpoint unknown")
	ErrDeliveryRejected        = errors.New("delivery rejected by gateway")
	ErrPushHubStopped          = errors.New("push hub stopped")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotImplemented   = errors.New("not implemented")
	ErrInvalidState     = errors.New("invalid state")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
