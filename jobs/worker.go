package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

// laneOrder is the claim priority. Every fourth poll reverses it so a full
// critical lane cannot starve bulk forever.
var laneOrder = []types.Lane{types.LaneCritical, types.LaneDefault, types.LaneBulk}

// Pool runs the worker goroutines that drain the queue. Each worker polls,
// executes the handler under the job's timeout and settles the claim with
// Ack, Retry or DeadLetter. The timeout is enforced here, outside the
// handler, through the same goroutine-and-select shape used for scheduled
// work.
type Pool struct {
	queue        types.JobQueue
	catalog      *Catalog
	logger       types.Logger
	metrics      types.MetricsManager
	workers      int
	pollInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      int32
}

func NewPool(queue types.JobQueue, catalog *Catalog, config *types.JobsConfig, logger types.Logger, metrics types.MetricsManager) (*Pool, error) {
	if err := catalog.Validate(); err != nil {
		return nil, err
	}

	workers := config.Workers
	if workers < 1 {
		workers = 1
	}
	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:        queue,
		catalog:      catalog,
		logger:       logger,
		metrics:      metrics,
		workers:      workers,
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func (p *Pool) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrInvalidState
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started", zap.Int("workers", p.workers))
	return nil
}

func (p *Pool) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return nil
	}

	p.cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
	return nil
}

func (p *Pool) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	reversed := make([]types.Lane, len(laneOrder))
	for i, lane := range laneOrder {
		reversed[len(laneOrder)-1-i] = lane
	}

	poll := 0
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		lanes := laneOrder
		poll++
		if poll%4 == 0 {
			lanes = reversed
		}

		job, err := p.queue.Claim(p.ctx, lanes)
		if err != nil {
			if !types.IsError(err, types.ErrQueueStopped) {
				p.logger.Warn("claim failed", zap.Int("worker", id), zap.Error(err))
			}
			p.sleep()
			continue
		}
		if job == nil {
			p.sleep()
			continue
		}

		p.execute(job)
	}
}

func (p *Pool) sleep() {
	select {
	case <-p.ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

func (p *Pool) execute(job *types.Job) {
	spec, err := p.catalog.Lookup(job.Kind)
	if err != nil {
		// A kind nobody handles can only come from a deploy skew. Park it
		// where an operator will see it.
		p.settleFailure(job, spec, err)
		return
	}

	start := time.Now()
	runErr := p.runAttempt(job, spec)
	duration := time.Since(start)

	result := "success"
	if runErr != nil {
		result = "error"
	}
	p.metrics.Counter("jobs_processed_total", map[string]string{
		"kind":   string(job.Kind),
		"result": result,
	}).Inc()
	p.metrics.Histogram("job_duration_seconds",
		[]float64{0.01, 0.1, 1.0, 10.0, 60.0, 300.0},
		map[string]string{"kind": string(job.Kind)},
	).Observe(duration.Seconds())

	if runErr == nil {
		if err := p.queue.Ack(p.ctx, job); err != nil {
			p.logger.Warn("ack failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		p.logger.Debug("Job completed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Duration("duration", duration))
		return
	}

	p.settleFailure(job, spec, runErr)
}

// runAttempt executes the handler in its own goroutine and races it against
// the job timeout. A handler stuck past its deadline leaks one goroutine
// until it returns; the worker moves on.
func (p *Pool) runAttempt(job *types.Job, spec *JobSpec) error {
	attemptCtx, cancel := context.WithTimeout(p.ctx, job.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- types.NewErrorf("job panic: %v", r)
			}
		}()
		done <- spec.Handler(attemptCtx, job)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		if types.IsError(attemptCtx.Err(), context.DeadlineExceeded) {
			return types.Errorf(types.ErrJobTimeout, "timeout after %v", job.Timeout)
		}
		return types.WrapError(attemptCtx.Err(), "job canceled")
	}
}

func (p *Pool) settleFailure(job *types.Job, spec *JobSpec, runErr error) {
	if spec != nil && job.Attempts < job.MaxAttempts {
		delay := spec.Backoff(job.Attempts)
		notBefore := time.Now().Add(delay)
		if err := p.queue.Retry(p.ctx, job, notBefore, runErr.Error()); err != nil {
			p.logger.Error("retry scheduling failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		p.logger.Warn("Job attempt failed, retry scheduled",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempt", job.Attempts),
			zap.Duration("delay", delay),
			zap.Error(runErr))
		return
	}

	if err := p.queue.DeadLetter(p.ctx, job, runErr.Error()); err != nil {
		p.logger.Error("dead letter failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	p.logger.Error("Job dead lettered",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempts", job.Attempts),
		zap.Error(runErr))

	p.enqueueFailureNotice(job, runErr)
}

// enqueueFailureNotice tells operators a job exhausted its budget. The notice
// itself gets exactly one attempt; a second-order retry storm over a
// notification is worse than a lost notification.
func (p *Pool) enqueueFailureNotice(job *types.Job, runErr error) {
	if job.Kind == types.JobFailureNotice {
		return
	}

	spec, err := p.catalog.Lookup(types.JobFailureNotice)
	if err != nil {
		return
	}

	payload, err := utils.Marshal(map[string]interface{}{
		"job_id": job.ID,
		"kind":   string(job.Kind),
		"error":  runErr.Error(),
	})
	if err != nil {
		return
	}

	now := time.Now()
	notice := &types.Job{
		ID:          job.ID + ":notice",
		Kind:        types.JobFailureNotice,
		Payload:     payload,
		Lane:        spec.Lane,
		MaxAttempts: 1,
		CreatedAt:   now,
		NotBefore:   now,
		Timeout:     spec.Timeout,
	}
	if err := p.queue.Enqueue(p.ctx, notice); err != nil {
		p.logger.Warn("failure notice enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
