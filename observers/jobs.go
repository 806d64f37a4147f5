package observers

import (
	"context"

	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
)

// RegisterJobObservers wires the asynchronous side effects of mutations. A
// failed enqueue is logged and swallowed; a lost notification must not roll
// back a committed mutation.
func RegisterJobObservers(d *Dispatcher, enqueuer types.JobEnqueuer, logger types.Logger) {
	d.On(types.EntityOrder, types.EventCreated, func(ctx context.Context, change *Change) error {
		enqueue(ctx, enqueuer, logger, types.JobSendEmail, map[string]interface{}{
			"template": "order_confirmation",
			"order_id": change.ID,
		})
		enqueue(ctx, enqueuer, logger, types.JobSendPush, map[string]interface{}{
			"event":    "order_created",
			"order_id": change.ID,
		})
		return nil
	})

	d.On(types.EntityOrder, types.EventUpdated, func(ctx context.Context, change *Change) error {
		if !contains(change.DirtyFields, "status") {
			return nil
		}
		enqueue(ctx, enqueuer, logger, types.JobSendPush, map[string]interface{}{
			"event":    "order_status_changed",
			"order_id": change.ID,
		})
		return nil
	})

	d.OnBatch(types.EntityProduct, types.EventUpdated, func(ctx context.Context, batch *Batch) error {
		if !contains(batch.DirtyFields, "price") {
			return nil
		}
		enqueue(ctx, enqueuer, logger, types.JobGenerateReport, map[string]interface{}{
			"report": "price_change",
			"ids":    batch.IDs,
		})
		return nil
	})
}

func enqueue(ctx context.Context, enqueuer types.JobEnqueuer, logger types.Logger, kind types.JobKind, payload interface{}) {
	if _, err := enqueuer.Enqueue(ctx, kind, payload); err != nil {
		logger.Warn("side-effect enqueue failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func contains(fields []string, want string) bool {
	for _, f := range fields {
		if f == want {
			return true
		}
	}
	return false
}
