package jobs

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mealhall/mealhall-core/types"
)

// MemoryQueue is the in-process JobQueue. Jobs survive nothing, which is fine
// for development and tests; production runs the redis backend.
type MemoryQueue struct {
	mu         sync.Mutex
	lanes      map[types.Lane][]*types.Job
	claimed    map[string]*types.Job
	dead       map[string]*types.DeadLetter
	deadOrder  []string
	attemptLog map[string][]string
	running    int32
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		lanes: map[types.Lane][]*types.Job{
			types.LaneCritical: {},
			types.LaneDefault:  {},
			types.LaneBulk:     {},
		},
		claimed:    make(map[string]*types.Job),
		dead:       make(map[string]*types.DeadLetter),
		attemptLog: make(map[string][]string),
	}
}

func (q *MemoryQueue) Start() error {
	atomic.StoreInt32(&q.running, 1)
	return nil
}

func (q *MemoryQueue) Stop() error {
	atomic.StoreInt32(&q.running, 0)
	return nil
}

func (q *MemoryQueue) IsRunning() bool {
	return atomic.LoadInt32(&q.running) == 1
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *types.Job) error {
	if !q.IsRunning() {
		return types.ErrQueueStopped
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	lane, exists := q.lanes[job.Lane]
	if !exists {
		return types.Errorf(types.ErrLaneUnknown, "lane: %s", job.Lane)
	}

	q.lanes[job.Lane] = append(lane, job)
	sort.SliceStable(q.lanes[job.Lane], func(i, j int) bool {
		return q.lanes[job.Lane][i].NotBefore.Before(q.lanes[job.Lane][j].NotBefore)
	})
	return nil
}

// Claim scans the lanes in the order given and hands out the first due job.
// The claim increments the attempt counter; at-least-once means an attempt is
// counted the moment a worker owns the job.
func (q *MemoryQueue) Claim(_ context.Context, lanes []types.Lane) (*types.Job, error) {
	if !q.IsRunning() {
		return nil, types.ErrQueueStopped
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, lane := range lanes {
		queue := q.lanes[lane]
		for i, job := range queue {
			if job.NotBefore.After(now) {
				break
			}
			q.lanes[lane] = append(queue[:i], queue[i+1:]...)
			job.Attempts++
			q.claimed[job.ID] = job
			return job, nil
		}
	}
	return nil, nil
}

func (q *MemoryQueue) Ack(_ context.Context, job *types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.claimed, job.ID)
	delete(q.attemptLog, job.ID)
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, job *types.Job, notBefore time.Time, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.claimed, job.ID)
	q.attemptLog[job.ID] = append(q.attemptLog[job.ID], lastError)

	job.NotBefore = notBefore
	job.LastError = lastError

	queue := q.lanes[job.Lane]
	q.lanes[job.Lane] = append(queue, job)
	sort.SliceStable(q.lanes[job.Lane], func(i, j int) bool {
		return q.lanes[job.Lane][i].NotBefore.Before(q.lanes[job.Lane][j].NotBefore)
	})
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, job *types.Job, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.claimed, job.ID)
	job.LastError = lastError

	log := append(q.attemptLog[job.ID], lastError)
	delete(q.attemptLog, job.ID)

	q.dead[job.ID] = &types.DeadLetter{
		Job:        *job,
		FailedAt:   time.Now(),
		AttemptLog: log,
	}
	q.deadOrder = append(q.deadOrder, job.ID)
	return nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context) ([]*types.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	letters := make([]*types.DeadLetter, 0, len(q.dead))
	for _, id := range q.deadOrder {
		if letter, exists := q.dead[id]; exists {
			letters = append(letters, letter)
		}
	}
	return letters, nil
}

func (q *MemoryQueue) DeadLetterByID(_ context.Context, id string) (*types.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	letter, exists := q.dead[id]
	if !exists {
		return nil, types.Errorf(types.ErrJobNotFound, "dead letter: %s", id)
	}
	return letter, nil
}

func (q *MemoryQueue) PurgeDeadLetter(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.dead[id]; !exists {
		return types.Errorf(types.ErrJobNotFound, "dead letter: %s", id)
	}
	delete(q.dead, id)

	for i, ordered := range q.deadOrder {
		if ordered == id {
			q.deadOrder = append(q.deadOrder[:i], q.deadOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryQueue) Depth(_ context.Context, lane types.Lane) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, exists := q.lanes[lane]
	if !exists {
		return 0, types.Errorf(types.ErrLaneUnknown, "lane: %s", lane)
	}
	return int64(len(queue)), nil
}
