package observers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealhall/mealhall-core/types"
)

type recordingEnqueuer struct {
	kinds []types.JobKind
	fail  bool
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, kind types.JobKind, _ interface{}) (string, error) {
	if r.fail {
		return "", errors.New("queue unavailable")
	}
	r.kinds = append(r.kinds, kind)
	return "id", nil
}

func TestJobObserverOrderCreated(t *testing.T) {
	d := NewDispatcher(nopLogger())
	enq := &recordingEnqueuer{}
	RegisterJobObservers(d, enq, nopLogger())

	require.NoError(t, d.Notify(context.Background(), &Change{
		EntityType: types.EntityOrder,
		Event:      types.EventCreated,
		ID:         "o1",
	}))

	assert.Equal(t, []types.JobKind{types.JobSendEmail, types.JobSendPush}, enq.kinds)
}

func TestJobObserverOrderStatusChange(t *testing.T) {
	d := NewDispatcher(nopLogger())
	enq := &recordingEnqueuer{}
	RegisterJobObservers(d, enq, nopLogger())

	require.NoError(t, d.Notify(context.Background(), &Change{
		EntityType:  types.EntityOrder,
		Event:       types.EventUpdated,
		ID:          "o1",
		DirtyFields: []string{"notes"},
	}))
	assert.Empty(t, enq.kinds, "non-status updates stay quiet")

	require.NoError(t, d.Notify(context.Background(), &Change{
		EntityType:  types.EntityOrder,
		Event:       types.EventUpdated,
		ID:          "o1",
		DirtyFields: []string{"status"},
	}))
	assert.Equal(t, []types.JobKind{types.JobSendPush}, enq.kinds)
}

func TestJobObserverBulkPriceChangeReport(t *testing.T) {
	d := NewDispatcher(nopLogger())
	enq := &recordingEnqueuer{}
	RegisterJobObservers(d, enq, nopLogger())

	require.NoError(t, d.NotifyBatch(context.Background(), &Batch{
		EntityType:  types.EntityProduct,
		Event:       types.EventUpdated,
		IDs:         []string{"p1", "p2"},
		DirtyFields: []string{"price"},
	}))

	assert.Equal(t, []types.JobKind{types.JobGenerateReport}, enq.kinds)
}

func TestJobObserverSwallowsEnqueueFailure(t *testing.T) {
	d := NewDispatcher(nopLogger())
	enq := &recordingEnqueuer{fail: true}
	RegisterJobObservers(d, enq, nopLogger())

	err := d.Notify(context.Background(), &Change{
		EntityType: types.EntityOrder,
		Event:      types.EventCreated,
		ID:         "o1",
	})
	assert.NoError(t, err, "a lost notification must not fail the mutation")
}
