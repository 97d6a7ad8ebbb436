package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type IntegrationStore interface {
	Create(ctx context.Context, integration IntegrationConfig) (IntegrationConfig, error)
	Get(ctx context.Context, id string) (IntegrationConfig, error)
	List(ctx context.Context, filter IntegrationFilter) ([]IntegrationConfig, error)
	UpdateStatus(ctx context.Context, id string, status IntegrationStatus, updatedBy string) (IntegrationConfig, error)
}

// SecretStore persists ciphertext only. Plaintext never reaches it.
type SecretStore interface {
	Put(ctx context.Context, record SecretRecord) (SecretRecord, error)
	Get(ctx context.Context, tenantID string, integrationID string, key string) (SecretRecord, error)
	Delete(ctx context.Context, tenantID string, integrationID string, key string) error
	ListKeys(ctx context.Context, tenantID string, integrationID string) ([]SecretKeyInfo, error)
}

type InboundEventStore interface {
	// Create inserts the event. When a row already exists for the same
	// external id or dedupe key the existing row is returned with
	// duplicate=true.
	Create(ctx context.Context, event InboundEvent) (created InboundEvent, duplicate bool, err error)
	Get(ctx context.Context, id string) (InboundEvent, error)
	List(ctx context.Context, filter InboundFilter) ([]InboundEvent, int, error)
	Claim(ctx context.Context, claim InboundClaim) (InboundEvent, bool, error)
	Transition(ctx context.Context, transition InboundTransition) (InboundEvent, bool, error)
	ListDue(ctx context.Context, query DueQuery) ([]InboundEvent, error)
}

type OutboundJobStore interface {
	Create(ctx context.Context, job OutboundJob) (created OutboundJob, duplicate bool, err error)
	Get(ctx context.Context, id string) (OutboundJob, error)
	List(ctx context.Context, filter OutboundFilter) ([]OutboundJob, int, error)
	Claim(ctx context.Context, claim OutboundClaim) (OutboundJob, bool, error)
	Transition(ctx context.Context, transition OutboundTransition) (OutboundJob, bool, error)
	ListDue(ctx context.Context, query DueQuery) ([]OutboundJob, error)
}

type IdempotentRunInput struct {
	Run       JobRun
	LockUntil time.Time
	Now       time.Time
}

type JobLedgerStore interface {
	// CreateIdempotentRun reserves the (tenant, key) lock and creates the run,
	// or returns the live run already holding it with deduplicated=true.
	CreateIdempotentRun(ctx context.Context, in IdempotentRunInput) (run JobRun, deduplicated bool, err error)
	CreateRun(ctx context.Context, run JobRun) (JobRun, error)
	GetRun(ctx context.Context, id string) (JobRun, error)
	TransitionRun(ctx context.Context, transition JobRunTransition) (JobRun, bool, error)
	PurgeExpiredLocks(ctx context.Context, now time.Time) (int, error)
	// ListStaleRuns returns RUNNING runs last updated at or before the cutoff.
	ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]JobRun, error)
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

// JobOutcome tells the queue consumer what to do with a delivery. A zero
// RetryAt means the delivery is finished.
type JobOutcome struct {
	RunID   string
	RetryAt time.Time
	Skipped bool
}

type JobMessageHandler interface {
	HandleMessage(ctx context.Context, msg *JobExecutionMessage) (JobOutcome, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}
