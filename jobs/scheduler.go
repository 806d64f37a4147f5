package jobs

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
)

// Scheduler enqueues recurring jobs on cron specs from config: nightly
// reports, periodic cache warmups and the like. It only produces; execution
// stays in the worker pool with the same retry and dead-letter rules as any
// other job.
type Scheduler struct {
	cron     *cron.Cron
	enqueuer types.JobEnqueuer
	logger   types.Logger
	running  int32
}

func NewScheduler(schedules []types.ScheduleConfig, enqueuer types.JobEnqueuer, logger types.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger: logger}),
		)),
		enqueuer: enqueuer,
		logger:   logger,
	}

	for _, schedule := range schedules {
		name := schedule.Name
		kind := types.JobKind(schedule.Kind)

		if _, err := s.cron.AddFunc(schedule.Spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			id, err := s.enqueuer.Enqueue(ctx, kind, map[string]string{"schedule": name})
			if err != nil {
				s.logger.Error("Scheduled enqueue failed",
					zap.String("schedule", name),
					zap.String("kind", string(kind)),
					zap.Error(err))
				return
			}
			s.logger.Debug("Scheduled job enqueued",
				zap.String("schedule", name),
				zap.String("job_id", id))
		}); err != nil {
			return nil, types.WrapError(err, "add schedule "+name)
		}

		logger.Info("Schedule registered",
			zap.String("schedule", name),
			zap.String("spec", schedule.Spec),
			zap.String("kind", schedule.Kind))
	}

	return s, nil
}

func (s *Scheduler) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return types.ErrInvalidState
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("Scheduler stop timeout")
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
