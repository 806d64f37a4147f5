package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mealhall/mealhall-core/types"
	"github.com/mealhall/mealhall-core/utils"
)

type RedisQueueConfig struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	KeyPrefix string        `json:"key_prefix"`
	Lease     time.Duration `json:"lease"`
}

// claimScript pops the first due member of a lane ZSET and moves it to the
// processing ZSET under a lease, atomically. Without the script two workers
// polling the same lane could both claim one job.
var claimScript = redis.NewScript(`
local id = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1], 'LIMIT', 0, 1)[1]
if not id then
    return false
end
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
return id
`)

// RedisQueue is the durable JobQueue. Each lane is a ZSET scored by the job's
// not-before time, job bodies live in plain keys, dead letters in a hash.
// A claimed job sits in the processing ZSET scored by its lease expiry; the
// reaper returns jobs whose worker died to their lane.
type RedisQueue struct {
	client    *redis.Client
	logger    types.Logger
	keyPrefix string
	lease     time.Duration
	running   int32
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
}

func NewRedisQueue(config interface{}, logger types.Logger) (*RedisQueue, error) {
	cfg := &RedisQueueConfig{
		Host:      "localhost",
		Port:      6379,
		KeyPrefix: "mealhall:jobs",
		Lease:     2 * time.Minute,
	}
	if config != nil {
		if err := utils.UnmarshalConfig(config, cfg); err != nil {
			return nil, types.WrapError(err, "redis queue config")
		}
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.WrapError(err, "redis queue ping")
	}

	return &RedisQueue{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
		lease:     cfg.Lease,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

func (q *RedisQueue) Start() error {
	if !atomic.CompareAndSwapInt32(&q.running, 0, 1) {
		return types.ErrInvalidState
	}
	go q.reapLoop()
	return nil
}

func (q *RedisQueue) Stop() error {
	if !atomic.CompareAndSwapInt32(&q.running, 1, 0) {
		return nil
	}
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.doneCh
	return q.client.Close()
}

func (q *RedisQueue) IsRunning() bool {
	return atomic.LoadInt32(&q.running) == 1
}

func (q *RedisQueue) laneKey(lane types.Lane) string {
	return q.keyPrefix + ":lane:" + string(lane)
}

func (q *RedisQueue) jobKey(id string) string {
	return q.keyPrefix + ":job:" + id
}

func (q *RedisQueue) processingKey() string {
	return q.keyPrefix + ":processing"
}

func (q *RedisQueue) deadKey() string {
	return q.keyPrefix + ":dead"
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *types.Job) error {
	if !q.IsRunning() {
		return types.ErrQueueStopped
	}

	switch job.Lane {
	case types.LaneCritical, types.LaneDefault, types.LaneBulk:
	default:
		return types.Errorf(types.ErrLaneUnknown, "lane: %s", job.Lane)
	}

	encoded, err := utils.Marshal(job)
	if err != nil {
		return types.WrapError(err, "encode job")
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), encoded, 0)
	pipe.ZAdd(ctx, q.laneKey(job.Lane), redis.Z{
		Score:  float64(job.NotBefore.UnixMilli()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return types.WrapError(err, "enqueue job")
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, lanes []types.Lane) (*types.Job, error) {
	if !q.IsRunning() {
		return nil, types.ErrQueueStopped
	}

	now := time.Now()
	for _, lane := range lanes {
		result, err := claimScript.Run(ctx, q.client,
			[]string{q.laneKey(lane), q.processingKey()},
			now.UnixMilli(), now.Add(q.lease).UnixMilli()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, types.WrapError(err, "claim job")
		}

		id, ok := result.(string)
		if !ok || id == "" {
			continue
		}

		job, err := q.loadJob(ctx, id)
		if err != nil {
			// Body missing for a claimed id means a half-finished purge.
			// Drop the orphan and keep polling.
			q.client.ZRem(ctx, q.processingKey(), id)
			q.logger.Warn("claimed job body missing", zap.String("job_id", id), zap.Error(err))
			continue
		}

		job.Attempts++
		if err := q.storeJob(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *types.Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Retry(ctx context.Context, job *types.Job, notBefore time.Time, lastError string) error {
	job.NotBefore = notBefore
	job.LastError = lastError

	encoded, err := utils.Marshal(job)
	if err != nil {
		return types.WrapError(err, "encode job")
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), job.ID)
	pipe.Set(ctx, q.jobKey(job.ID), encoded, 0)
	pipe.ZAdd(ctx, q.laneKey(job.Lane), redis.Z{
		Score:  float64(notBefore.UnixMilli()),
		Member: job.ID,
	})
	pipe.RPush(ctx, q.keyPrefix+":attempts:"+job.ID, lastError)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.WrapError(err, "retry job")
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, job *types.Job, lastError string) error {
	job.LastError = lastError

	log, err := q.client.LRange(ctx, q.keyPrefix+":attempts:"+job.ID, 0, -1).Result()
	if err != nil && err != redis.Nil {
		q.logger.Warn("attempt log unavailable", zap.String("job_id", job.ID), zap.Error(err))
	}
	log = append(log, lastError)

	letter := &types.DeadLetter{
		Job:        *job,
		FailedAt:   time.Now(),
		AttemptLog: log,
	}
	encoded, err := utils.Marshal(letter)
	if err != nil {
		return types.WrapError(err, "encode dead letter")
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), job.ID)
	pipe.Del(ctx, q.jobKey(job.ID))
	pipe.Del(ctx, q.keyPrefix+":attempts:"+job.ID)
	pipe.HSet(ctx, q.deadKey(), job.ID, encoded)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.WrapError(err, "dead letter job")
	}
	return nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context) ([]*types.DeadLetter, error) {
	entries, err := q.client.HGetAll(ctx, q.deadKey()).Result()
	if err != nil {
		return nil, types.WrapError(err, "list dead letters")
	}

	letters := make([]*types.DeadLetter, 0, len(entries))
	for id, raw := range entries {
		var letter types.DeadLetter
		if err := utils.Unmarshal([]byte(raw), &letter); err != nil {
			q.logger.Warn("dead letter undecodable", zap.String("job_id", id), zap.Error(err))
			continue
		}
		letters = append(letters, &letter)
	}
	return letters, nil
}

func (q *RedisQueue) DeadLetterByID(ctx context.Context, id string) (*types.DeadLetter, error) {
	raw, err := q.client.HGet(ctx, q.deadKey(), id).Result()
	if err == redis.Nil {
		return nil, types.Errorf(types.ErrJobNotFound, "dead letter: %s", id)
	}
	if err != nil {
		return nil, types.WrapError(err, "get dead letter")
	}

	var letter types.DeadLetter
	if err := utils.Unmarshal([]byte(raw), &letter); err != nil {
		return nil, types.WrapError(err, "decode dead letter")
	}
	return &letter, nil
}

func (q *RedisQueue) PurgeDeadLetter(ctx context.Context, id string) error {
	removed, err := q.client.HDel(ctx, q.deadKey(), id).Result()
	if err != nil {
		return types.WrapError(err, "purge dead letter")
	}
	if removed == 0 {
		return types.Errorf(types.ErrJobNotFound, "dead letter: %s", id)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context, lane types.Lane) (int64, error) {
	return q.client.ZCard(ctx, q.laneKey(lane)).Result()
}

func (q *RedisQueue) loadJob(ctx context.Context, id string) (*types.Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return nil, types.WrapError(err, "load job")
	}

	var job types.Job
	if err := utils.Unmarshal(raw, &job); err != nil {
		return nil, types.WrapError(err, "decode job")
	}
	return &job, nil
}

func (q *RedisQueue) storeJob(ctx context.Context, job *types.Job) error {
	encoded, err := utils.Marshal(job)
	if err != nil {
		return types.WrapError(err, "encode job")
	}
	return q.client.Set(ctx, q.jobKey(job.ID), encoded, 0).Err()
}

// reapLoop returns jobs whose lease expired to their lane. A worker crash or
// network partition shows up here as a re-delivery, which at-least-once
// semantics allow.
func (q *RedisQueue) reapLoop() {
	defer close(q.doneCh)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.reap()
		}
	}
}

func (q *RedisQueue) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	expired, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%d", time.Now().UnixMilli()),
	}).Result()
	if err != nil {
		q.logger.Warn("processing reap failed", zap.Error(err))
		return
	}

	for _, id := range expired {
		job, err := q.loadJob(ctx, id)
		if err != nil {
			q.client.ZRem(ctx, q.processingKey(), id)
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.processingKey(), id)
		pipe.ZAdd(ctx, q.laneKey(job.Lane), redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			q.logger.Warn("lease reap failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		q.logger.Warn("job lease expired, requeued", zap.String("job_id", id), zap.String("kind", string(job.Kind)))
	}
}
