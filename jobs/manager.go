package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

// NewManager builds the configured queue backend wrapped with metrics.
func NewManager(config *types.JobsConfig, logger types.Logger, metrics types.MetricsManager) (types.JobQueue, error) {
	var queue types.JobQueue
	var err error

	switch config.Type {
	case "memory":
		queue = NewMemoryQueue()
	case "redis":
		queue, err = NewRedisQueue(config.Config, logger)
	default:
		return nil, types.Errorf(types.ErrQueueTypeUnknown, "type: %s", config.Type)
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedQueue(queue, metrics), nil
}

type instrumentedQueue struct {
	types.JobQueue
	metrics types.MetricsManager
}

func newInstrumentedQueue(queue types.JobQueue, metrics types.MetricsManager) *instrumentedQueue {
	return &instrumentedQueue{JobQueue: queue, metrics: metrics}
}

func (q *instrumentedQueue) Enqueue(ctx context.Context, job *types.Job) error {
	err := q.JobQueue.Enqueue(ctx, job)
	if err == nil {
		q.metrics.Counter("jobs_enqueued_total", map[string]string{
			"kind": string(job.Kind),
			"lane": string(job.Lane),
		}).Inc()
	}
	return err
}

func (q *instrumentedQueue) Retry(ctx context.Context, job *types.Job, notBefore time.Time, lastError string) error {
	err := q.JobQueue.Retry(ctx, job, notBefore, lastError)
	if err == nil {
		q.metrics.Counter("jobs_retried_total", map[string]string{"kind": string(job.Kind)}).Inc()
	}
	return err
}

func (q *instrumentedQueue) DeadLetter(ctx context.Context, job *types.Job, lastError string) error {
	err := q.JobQueue.DeadLetter(ctx, job, lastError)
	if err == nil {
		q.metrics.Counter("jobs_dead_lettered_total", map[string]string{"kind": string(job.Kind)}).Inc()
	}
	return err
}

// Enqueuer is the producer-facing facade. It resolves the catalog entry so a
// producer never chooses a lane or retry budget itself.
type Enqueuer struct {
	queue   types.JobQueue
	catalog *Catalog
}

func NewEnqueuer(queue types.JobQueue, catalog *Catalog) *Enqueuer {
	return &Enqueuer{queue: queue, catalog: catalog}
}

func (e *Enqueuer) Enqueue(ctx context.Context, kind types.JobKind, payload interface{}) (string, error) {
	spec, err := e.catalog.Lookup(kind)
	if err != nil {
		return "", err
	}

	encoded, err := utils.Marshal(payload)
	if err != nil {
		return "", types.WrapError(err, "encode payload")
	}

	now := time.Now()
	job := &types.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     encoded,
		Lane:        spec.Lane,
		MaxAttempts: spec.MaxAttempts,
		CreatedAt:   now,
		NotBefore:   now,
		Timeout:     spec.Timeout,
	}

	if err := e.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}
