package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealhall/mealhall-core/types"
)

func noopHandler(context.Context, *types.Job) error { return nil }

func TestBackoffProgression(t *testing.T) {
	email := &JobSpec{BackoffBase: 10 * time.Second}
	assert.Equal(t, 10*time.Second, email.Backoff(1))
	assert.Equal(t, 30*time.Second, email.Backoff(2))
	assert.Equal(t, 90*time.Second, email.Backoff(3))

	push := &JobSpec{BackoffBase: 15 * time.Second}
	assert.Equal(t, 15*time.Second, push.Backoff(1))
	assert.Equal(t, 45*time.Second, push.Backoff(2))
	assert.Equal(t, 135*time.Second, push.Backoff(3))

	assert.Equal(t, 10*time.Second, email.Backoff(0), "attempt floor is 1")
}

func TestCatalogRegisterDefaults(t *testing.T) {
	catalog := NewCatalog()
	require.NoError(t, catalog.Register(types.JobSendEmail, &JobSpec{Handler: noopHandler}))

	spec, err := catalog.Lookup(types.JobSendEmail)
	require.NoError(t, err)
	assert.Equal(t, types.LaneDefault, spec.Lane)
	assert.Equal(t, 1, spec.MaxAttempts)
	assert.Equal(t, 30*time.Second, spec.Timeout)
	assert.Equal(t, 10*time.Second, spec.BackoffBase)
}

func TestCatalogRegisterNilHandler(t *testing.T) {
	catalog := NewCatalog()
	err := catalog.Register(types.JobSendEmail, &JobSpec{})
	assert.True(t, types.IsError(err, types.ErrJobHandlerIsNil))
	err = catalog.Register(types.JobSendEmail, nil)
	assert.True(t, types.IsError(err, types.ErrJobHandlerIsNil))
}

func TestCatalogLookupUnknown(t *testing.T) {
	catalog := NewCatalog()
	_, err := catalog.Lookup(types.JobKind("nonsense"))
	assert.True(t, types.IsError(err, types.ErrJobKindUnknown))
}

func TestCatalogValidate(t *testing.T) {
	catalog := NewCatalog()
	assert.True(t, types.IsError(catalog.Validate(), types.ErrJobCatalogEmpty))

	require.NoError(t, catalog.Register(types.JobSendEmail, &JobSpec{Handler: noopHandler}))
	require.NoError(t, catalog.Validate())

	catalog.specs[types.JobSendPush] = &JobSpec{Handler: noopHandler, Lane: types.Lane("express")}
	assert.True(t, types.IsError(catalog.Validate(), types.ErrLaneUnknown))
}
