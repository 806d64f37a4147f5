package types

import (
	"context"
	"time"
)

type JobKind string

const (
	JobSendEmail      JobKind = "send_email"
	JobSendPush       JobKind = "send_push"
	JobGenerateReport JobKind = "generate_report"
	JobBulkUpdate     JobKind = "bulk_update"
	JobFailureNotice  JobKind = "failure_notice"
)

// Lane is a named priority class. Claim order is critical, then default,
// then bulk.
type Lane string

const (
	LaneCritical Lane = "critical"
	LaneDefault  Lane = "default"
	LaneBulk     Lane = "bulk"
)

type JobStatus string

const (
	JobEnqueued     JobStatus = "enqueued"
	JobClaimed      JobStatus = "claimed"
	JobSucceeded    JobStatus = "succeeded"
	JobRetryPending JobStatus = "retry_scheduled"
	JobDeadLettered JobStatus = "dead_lettered"
)

type Job struct {
	ID          string        `json:"id"`
	Kind        JobKind       `json:"kind"`
	Payload     []byte        `json:"payload"`
	Lane        Lane          `json:"lane"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	CreatedAt   time.Time     `json:"created_at"`
	NotBefore   time.Time     `json:"not_before"`
	Timeout     time.Duration `json:"timeout"`
	LastError   string        `json:"last_error,omitempty"`
}

type DeadLetter struct {
	Job        Job       `json:"job"`
	FailedAt   time.Time `json:"failed_at"`
	AttemptLog []string  `json:"attempt_log"`
}

// JobHandler executes one attempt. The worker enforces the job's timeout from
// outside; handlers must tolerate at-least-once delivery.
type JobHandler func(ctx context.Context, job *Job) error

// JobQueue is the durable at-least-once substrate. Claim hands out a job to
// exactly one worker; the claim is released by Ack, Retry or DeadLetter.
type JobQueue interface {
	LifecycleManager
	Enqueue(ctx context.Context, job *Job) error
	Claim(ctx context.Context, lanes []Lane) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, notBefore time.Time, lastError string) error
	DeadLetter(ctx context.Context, job *Job, lastError string) error
	DeadLetters(ctx context.Context) ([]*DeadLetter, error)
	DeadLetterByID(ctx context.Context, id string) (*DeadLetter, error)
	PurgeDeadLetter(ctx context.Context, id string) error
	Depth(ctx context.Context, lane Lane) (int64, error)
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, kind JobKind, payload interface{}) (string, error)
}
