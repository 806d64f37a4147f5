package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealhall/mealhall-core/types"
)

func newRunningQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	queue := NewMemoryQueue()
	require.NoError(t, queue.Start())
	t.Cleanup(func() { _ = queue.Stop() })
	return queue
}

func makeJob(id string, lane types.Lane) *types.Job {
	now := time.Now()
	return &types.Job{
		ID:          id,
		Kind:        types.JobSendEmail,
		Lane:        lane,
		MaxAttempts: 3,
		CreatedAt:   now,
		NotBefore:   now,
		Timeout:     30 * time.Second,
	}
}

func TestMemoryQueueEnqueueClaimAck(t *testing.T) {
	queue := newRunningQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, makeJob("j1", types.LaneDefault)))

	job, err := queue.Claim(ctx, laneOrder)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 1, job.Attempts, "claim counts the attempt")

	// Claimed jobs are invisible to other workers.
	other, err := queue.Claim(ctx, laneOrder)
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, queue.Ack(ctx, job))

	depth, err := queue.Depth(ctx, types.LaneDefault)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestMemoryQueueStoppedRejects(t *testing.T) {
	queue := NewMemoryQueue()
	ctx := context.Background()

	err := queue.Enqueue(ctx, makeJob("j1", types.LaneDefault))
	assert.True(t, types.IsError(err, types.ErrQueueStopped))

	_, err = queue.Claim(ctx, laneOrder)
	assert.True(t, types.IsError(err, types.ErrQueueStopped))
}

func TestMemoryQueueUnknownLane(t *testing.T) {
	queue := newRunningQueue(t)
	err := queue.Enqueue(context.Background(), makeJob("j1", types.Lane("express")))
	assert.True(t, types.IsError(err, types.ErrLaneUnknown))
}

func TestMemoryQueueLanePriority(t *testing.T) {
	queue := newRunningQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, makeJob("bulk1", types.LaneBulk)))
	require.NoError(t, queue.Enqueue(ctx, makeJob("crit1", types.LaneCritical)))
	require.NoError(t, queue.Enqueue(ctx, makeJob("def1", types.LaneDefault)))

	var order []string
	for i := 0; i < 3; i++ {
		job, err := queue.Claim(ctx, laneOrder)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"crit1", "def1", "bulk1"}, order)
}

func TestMemoryQueueRespectsNotBefore(t *testing.T) {
	queue := newRunningQueue(t)
	ctx := context.Background()

	deferred := makeJob("later", types.LaneDefault)
	deferred.NotBefore = time.Now().Add(30 * time.Millisecond)
	require.NoError(t, queue.Enqueue(ctx, deferred))

	job, err := queue.Claim(ctx, laneOrder)
	require.NoError(t, err)
	assert.Nil(t, job, "job not due yet")

	time.Sleep(40 * time.Millisecond)

	job, err = queue.Claim(ctx, laneOrder)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.ID)
}

func TestMemoryQueueRetryReschedules(t *testing.T) {
	queue := newRunningQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, makeJob("j1", types.LaneDefault)))
	job, err := queue.Claim(ctx, laneOrder)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, queue.Retry(ctx, job, time.Now().Add(20*time.Millisecond), "smtp 451"))

	reclaimed, err := queue.Claim(ctx, laneOrder)
	require.NoError(t, err)
	assert.Nil(t, reclaimed, "retry delay not elapsed")

	time.Sleep(30 * time.Millisecond)

	reclaimed, err = queue.Claim(ctx, laneOrder)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "j1", reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Equal(t, "smtp 451", reclaimed.LastError)
}

func TestMemoryQueueDeadLetterLifecycle(t *testing.T) {
	queue := newRunningQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, makeJob("j1", types.LaneDefault)))
	job, err := queue.Claim(ctx, laneOrder)
	require.NoError(t, err)

	require.NoError(t, queue.Retry(ctx, job, time.Now(), "first failure"))
	job, err = queue.Claim(ctx, laneOrder)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, queue.DeadLetter(ctx, job, "second failure"))

	letters, err := queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "j1", letters[0].Job.ID)
	assert.Equal(t, []string{"first failure", "second failure"}, letters[0].AttemptLog)
	assert.Equal(t, "second failure", letters[0].Job.LastError)

	letter, err := queue.DeadLetterByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, letter.Job.Attempts)

	require.NoError(t, queue.PurgeDeadLetter(ctx, "j1"))
	_, err = queue.DeadLetterByID(ctx, "j1")
	assert.True(t, types.IsError(err, types.ErrJobNotFound))
	err = queue.PurgeDeadLetter(ctx, "j1")
	assert.True(t, types.IsError(err, types.ErrJobNotFound))
}

func TestMemoryQueuePurgeCompactsOrder(t *testing.T) {
	queue := newRunningQueue(t)
	ctx := context.Background()

	deadLetter := func(id string) {
		require.NoError(t, queue.Enqueue(ctx, makeJob(id, types.LaneDefault)))
		job, err := queue.Claim(ctx, laneOrder)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, queue.DeadLetter(ctx, job, "gave up"))
	}

	deadLetter("j1")
	deadLetter("j2")
	require.NoError(t, queue.PurgeDeadLetter(ctx, "j1"))

	// A purged id must leave no trace in the listing order, even when the
	// same id dead-letters again later.
	deadLetter("j1")

	letters, err := queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "j2", letters[0].Job.ID)
	assert.Equal(t, "j1", letters[1].Job.ID)

	queue.mu.Lock()
	assert.Len(t, queue.deadOrder, 2)
	queue.mu.Unlock()
}

func TestMemoryQueueDepth(t *testing.T) {
	queue := newRunningQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, makeJob("j1", types.LaneBulk)))
	require.NoError(t, queue.Enqueue(ctx, makeJob("j2", types.LaneBulk)))

	depth, err := queue.Depth(ctx, types.LaneBulk)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	_, err = queue.Depth(ctx, types.Lane("express"))
	assert.True(t, types.IsError(err, types.ErrLaneUnknown))
}
