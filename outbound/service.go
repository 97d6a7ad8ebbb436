package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/ledger"
	"github.com/goliatone/go-ingress/ratelimit"
	"github.com/google/uuid"
)

const (
	JobTypeSend = "outbound.send"
	ParamJobID  = "job_id"
)

type Scheduler interface {
	Enqueue(ctx context.Context, req ledger.EnqueueRequest) (ledger.EnqueueResult, error)
}

type CreateJobInput struct {
	TenantID      string
	Type          string
	Provider      string
	IntegrationID string
	DedupeKey     string
	Payload       map[string]any
	MaxAttempts   int
}

type CreateJobResult struct {
	ID        string
	Duplicate bool
	RunID     string
}

type SendOutcome struct {
	Job     core.OutboundJob
	Claimed bool
	RetryAt time.Time
}

type Service struct {
	store        core.OutboundJobStore
	integrations core.IntegrationStore
	registry     *ProviderRegistry
	scheduler    Scheduler
	pacer        *ratelimit.Pacer
	config       core.OutboundConfig
	observer     *core.Observer
	workerID     string
	Now          func() time.Time
}

type Option func(*Service)

func WithIntegrations(store core.IntegrationStore) Option {
	return func(s *Service) {
		s.integrations = store
	}
}

func WithScheduler(scheduler Scheduler) Option {
	return func(s *Service) {
		s.scheduler = scheduler
	}
}

// WithPacer shares provider pauses across jobs of the same tenant and
// provider.
func WithPacer(pacer *ratelimit.Pacer) Option {
	return func(s *Service) {
		s.pacer = pacer
	}
}

func WithConfig(cfg core.OutboundConfig) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithWorkerID(workerID string) Option {
	return func(s *Service) {
		if strings.TrimSpace(workerID) != "" {
			s.workerID = strings.TrimSpace(workerID)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.Now = now
		}
	}
}

func NewService(store core.OutboundJobStore, registry *ProviderRegistry, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("outbound: job store is required")
	}
	if registry == nil {
		registry = NewProviderRegistry()
	}
	svc := &Service{
		store:    store,
		registry: registry,
		config:   core.DefaultConfig().Outbound,
		observer: core.NewObserver(nil, nil),
		workerID: "outbound-" + uuid.NewString(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

func (s *Service) Registry() *ProviderRegistry {
	return s.registry
}

// CreateJob queues a job once per (tenant, dedupe key).
func (s *Service) CreateJob(ctx context.Context, in CreateJobInput) (CreateJobResult, error) {
	startedAt := s.Now()
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.Type = strings.TrimSpace(in.Type)
	in.DedupeKey = strings.TrimSpace(in.DedupeKey)
	switch {
	case in.TenantID == "":
		return CreateJobResult{}, fmt.Errorf("outbound: tenant id is required: %w", core.ErrInvalidInput)
	case in.Type == "":
		return CreateJobResult{}, fmt.Errorf("outbound: job type is required: %w", core.ErrInvalidInput)
	case in.DedupeKey == "":
		return CreateJobResult{}, fmt.Errorf("outbound: dedupe key is required: %w", core.ErrInvalidInput)
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.config.MaxAttempts
	}
	provider := strings.TrimSpace(in.Provider)
	if provider == "" {
		provider = in.Type
	}
	job := core.OutboundJob{
		TenantID:      in.TenantID,
		Type:          in.Type,
		Provider:      provider,
		IntegrationID: strings.TrimSpace(in.IntegrationID),
		DedupeKey:     in.DedupeKey,
		Payload:       core.CopyAnyMap(in.Payload),
		Status:        core.OutboundStatusQueued,
		MaxAttempts:   maxAttempts,
	}
	fields := map[string]any{
		"tenant_id":  job.TenantID,
		"job_type":   job.Type,
		"provider":   job.Provider,
		"dedupe_key": job.DedupeKey,
	}
	created, duplicate, err := s.store.Create(ctx, job)
	if err != nil {
		s.observer.Observe(ctx, startedAt, "outbound.create", err, fields)
		return CreateJobResult{}, fmt.Errorf("outbound: create job: %w", err)
	}
	fields["job_id"] = created.ID
	result := CreateJobResult{ID: created.ID, Duplicate: duplicate}
	if duplicate {
		fields["outcome"] = "duplicate"
		s.observer.Observe(ctx, startedAt, "outbound.create", nil, fields)
		return result, nil
	}
	runID, scheduleErr := s.schedule(ctx, created, "outbound:"+created.ID)
	if scheduleErr != nil {
		fields["schedule_error"] = scheduleErr.Error()
		s.observer.Warn(ctx, "outbound: job stored but not scheduled", fields)
	}
	result.RunID = runID
	fields["outcome"] = "created"
	s.observer.Observe(ctx, startedAt, "outbound.create", nil, fields)
	return result, nil
}

// Send claims a job and delivers it through its provider. Provider failures
// are recorded on the row; the returned error covers storage failures only.
func (s *Service) Send(ctx context.Context, jobID string) (SendOutcome, error) {
	startedAt := s.Now()
	jobID = strings.TrimSpace(jobID)
	job, claimed, err := s.store.Claim(ctx, core.OutboundClaim{
		ID:         jobID,
		WorkerID:   s.workerID,
		Now:        startedAt,
		StaleAfter: s.config.LockLease,
	})
	if err != nil {
		return SendOutcome{}, fmt.Errorf("outbound: claim job %q: %w", jobID, err)
	}
	if !claimed {
		s.observer.Debug(ctx, "outbound: job not claimable", map[string]any{
			"job_id": jobID,
			"status": string(job.Status),
		})
		return SendOutcome{Job: job}, nil
	}

	fields := map[string]any{
		"job_id":    job.ID,
		"tenant_id": job.TenantID,
		"job_type":  job.Type,
		"provider":  job.Provider,
		"attempt":   job.AttemptCount + 1,
	}
	key := ratelimit.Key{TenantID: job.TenantID, Provider: job.Provider}

	if result, blocked := s.checkIntegration(ctx, job); blocked {
		outcome, err := s.record(ctx, job, key, result)
		s.finish(ctx, startedAt, fields, outcome, result, err)
		return outcome, err
	}

	if err := s.pacer.BeforeSend(ctx, key); err != nil {
		var throttled ratelimit.ThrottledError
		if errors.As(err, &throttled) {
			outcome, err := s.postpone(ctx, job, throttled.Until, throttled.Error())
			fields["outcome"] = "throttled"
			s.observer.Observe(ctx, startedAt, "outbound.send", err, fields)
			return outcome, err
		}
		s.observer.Warn(ctx, "outbound: pacing state unavailable", map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	provider, ok := s.registry.Get(job.Type)
	var result SendResult
	if !ok {
		result = TerminalFailure(
			core.ServiceErrorProviderNotFound,
			fmt.Sprintf("no provider registered for job type %q", job.Type),
		)
	} else {
		result = invokeProvider(ctx, provider, job)
	}
	outcome, err := s.record(ctx, job, key, result)
	s.finish(ctx, startedAt, fields, outcome, result, err)
	return outcome, err
}

// Cancel stops a job that has not started sending.
func (s *Service) Cancel(ctx context.Context, jobID string) (core.OutboundJob, error) {
	startedAt := s.Now()
	jobID = strings.TrimSpace(jobID)
	job, applied, err := s.store.Transition(ctx, core.OutboundTransition{
		ID:         jobID,
		From:       []core.OutboundStatus{core.OutboundStatusQueued},
		To:         core.OutboundStatusCanceled,
		ClearNext:  true,
		CanceledAt: core.TimePtr(startedAt),
		Now:        startedAt,
	})
	fields := map[string]any{"job_id": jobID}
	if err != nil {
		s.observer.Observe(ctx, startedAt, "outbound.cancel", err, fields)
		return core.OutboundJob{}, fmt.Errorf("outbound: cancel job %q: %w", jobID, err)
	}
	fields["tenant_id"] = job.TenantID
	if !applied {
		err := fmt.Errorf("outbound: job %q is %s: %w", jobID, job.Status, core.ErrConflict)
		s.observer.Observe(ctx, startedAt, "outbound.cancel", err, fields)
		return job, err
	}
	s.observer.Observe(ctx, startedAt, "outbound.cancel", nil, fields)
	return job, nil
}

// Retry requeues a FAILED job with a fresh attempt budget. A SENDING job
// whose lease lapsed was abandoned by its worker and is retried the same way.
func (s *Service) Retry(ctx context.Context, jobID string) (core.OutboundJob, error) {
	startedAt := s.Now()
	jobID = strings.TrimSpace(jobID)
	job, applied, err := s.store.Transition(ctx, core.OutboundTransition{
		ID:                 jobID,
		From:               []core.OutboundStatus{core.OutboundStatusFailed},
		LeaseExpiredBefore: leaseCutoff(startedAt, s.config.LockLease),
		To:                 core.OutboundStatusQueued,
		AttemptCount:       core.IntPtr(0),
		ClearNext:          true,
		ClearLock:          true,
		ErrorCode:          core.StringPtr(""),
		ErrorMsg:           core.StringPtr(""),
		Now:                startedAt,
	})
	fields := map[string]any{"job_id": jobID}
	if err != nil {
		s.observer.Observe(ctx, startedAt, "outbound.retry", err, fields)
		return core.OutboundJob{}, fmt.Errorf("outbound: retry job %q: %w", jobID, err)
	}
	if !applied {
		err := fmt.Errorf("outbound: job %q is %s: %w", jobID, job.Status, core.ErrNotRetriable)
		s.observer.Observe(ctx, startedAt, "outbound.retry", err, fields)
		return job, err
	}
	fields["tenant_id"] = job.TenantID
	fields["job_type"] = job.Type
	if _, err := s.schedule(ctx, job, ""); err != nil {
		s.observer.Observe(ctx, startedAt, "outbound.retry", err, fields)
		return job, err
	}
	s.observer.Observe(ctx, startedAt, "outbound.retry", nil, fields)
	return job, nil
}

func (s *Service) Get(ctx context.Context, jobID string) (core.OutboundJob, error) {
	job, err := s.store.Get(ctx, strings.TrimSpace(jobID))
	if err != nil {
		return core.OutboundJob{}, fmt.Errorf("outbound: get job %q: %w", jobID, err)
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, filter core.OutboundFilter) ([]core.OutboundJob, int, error) {
	if strings.TrimSpace(filter.TenantID) == "" {
		return nil, 0, fmt.Errorf("outbound: tenant id is required: %w", core.ErrInvalidInput)
	}
	jobs, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("outbound: list jobs: %w", err)
	}
	return jobs, total, nil
}

// RequeueDue schedules QUEUED jobs whose next attempt time has passed,
// QUEUED jobs that were never handed off and sat idle for a lock lease, and
// SENDING jobs whose worker let the lease lapse.
func (s *Service) RequeueDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.config.SweepBatchSize
	}
	due, err := s.store.ListDue(ctx, core.DueQuery{
		Now:        s.Now(),
		StaleAfter: s.config.LockLease,
		Limit:      limit,
	})
	if err != nil {
		return 0, fmt.Errorf("outbound: list due jobs: %w", err)
	}
	scheduled := 0
	for _, job := range due {
		if _, err := s.schedule(ctx, job, ""); err != nil {
			s.observer.Warn(ctx, "outbound: requeue failed", map[string]any{
				"job_id":    job.ID,
				"tenant_id": job.TenantID,
				"error":     err.Error(),
			})
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		s.observer.Info(ctx, "outbound: requeued due jobs", map[string]any{"count": scheduled})
	}
	return scheduled, nil
}

// Step adapts Send to the job ledger.
func (s *Service) Step() ledger.StepFunc {
	return func(ctx context.Context, run core.JobRun) ledger.StepResult {
		jobID := strings.TrimSpace(fmt.Sprint(run.Payload[ParamJobID]))
		if jobID == "" || jobID == "<nil>" {
			return ledger.StepResult{
				ErrorCode: core.ServiceErrorBadInput,
				Err:       fmt.Errorf("outbound: run %q has no job id", run.ID),
			}
		}
		outcome, err := s.Send(ctx, jobID)
		if err != nil {
			if errors.Is(err, core.ErrJobNotFound) {
				return ledger.StepResult{ErrorCode: core.ServiceErrorNotFound, Err: err}
			}
			return ledger.StepResult{
				RetryAt:   core.BackoffLadder(s.config.BackoffLadder).Next(s.Now(), 1),
				ErrorCode: core.ServiceErrorInternal,
				Err:       err,
			}
		}
		if !outcome.RetryAt.IsZero() {
			return ledger.StepResult{
				RetryAt:   outcome.RetryAt,
				ErrorCode: outcome.Job.LastErrorCode,
				Err:       errors.New(outcome.Job.LastErrorMsg),
			}
		}
		if outcome.Claimed && outcome.Job.Status == core.OutboundStatusFailed {
			return ledger.StepResult{
				ErrorCode: outcome.Job.LastErrorCode,
				Err:       errors.New(outcome.Job.LastErrorMsg),
			}
		}
		return ledger.StepResult{}
	}
}

func (s *Service) checkIntegration(ctx context.Context, job core.OutboundJob) (SendResult, bool) {
	if job.IntegrationID == "" || s.integrations == nil {
		return SendResult{}, false
	}
	integration, err := s.integrations.Get(ctx, job.IntegrationID)
	switch {
	case errors.Is(err, core.ErrIntegrationNotFound), errors.Is(err, core.ErrNotFound):
		return TerminalFailure(core.ServiceErrorIntegrationDisabled, "integration not found"), true
	case err != nil:
		return RetriableFailure(core.ServiceErrorInternal, "integration lookup: "+err.Error()), true
	case integration.TenantID != job.TenantID:
		return TerminalFailure(core.ServiceErrorIntegrationDisabled, "integration belongs to another tenant"), true
	case !integration.Active():
		return TerminalFailure(core.ServiceErrorIntegrationDisabled, "integration is "+string(integration.Status)), true
	}
	return SendResult{}, false
}

// postpone puts a claimed job back in the queue without spending an attempt.
func (s *Service) postpone(ctx context.Context, job core.OutboundJob, until time.Time, message string) (SendOutcome, error) {
	updated, applied, err := s.store.Transition(ctx, core.OutboundTransition{
		ID:               job.ID,
		From:             []core.OutboundStatus{core.OutboundStatusSending},
		LockedBy:         s.workerID,
		To:               core.OutboundStatusQueued,
		NextAttemptAt:    core.TimePtr(until),
		RateLimitedUntil: core.TimePtr(until),
		ClearLock:        true,
		ErrorCode:        core.StringPtr(core.ServiceErrorRateLimited),
		ErrorMsg:         core.StringPtr(message),
		Now:              s.Now(),
	})
	if err != nil {
		return SendOutcome{Job: job, Claimed: true}, fmt.Errorf("outbound: defer job %q: %w", job.ID, err)
	}
	if !applied {
		return SendOutcome{Job: updated, Claimed: true}, nil
	}
	return SendOutcome{Job: updated, Claimed: true, RetryAt: until.UTC()}, nil
}

func (s *Service) record(ctx context.Context, job core.OutboundJob, key ratelimit.Key, result SendResult) (SendOutcome, error) {
	now := s.Now()
	if result.RateLimited {
		retryAfter := time.Duration(result.RetryAfterSeconds) * time.Second
		if retryAfter <= 0 {
			retryAfter = s.config.DefaultRetryAfter
		}
		until := now.Add(retryAfter)
		if s.pacer != nil {
			paused, err := s.pacer.RecordRateLimited(ctx, key, retryAfter)
			if err != nil {
				s.observer.Warn(ctx, "outbound: record rate limit failed", map[string]any{
					"job_id": job.ID,
					"error":  err.Error(),
				})
			} else if paused.After(until) {
				until = paused
			}
		}
		message := result.ErrorMessage
		if message == "" {
			message = "provider rate limited"
		}
		return s.postpone(ctx, job, until, message)
	}

	attempts := job.AttemptCount + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.config.MaxAttempts
	}
	transition := core.OutboundTransition{
		ID:           job.ID,
		From:         []core.OutboundStatus{core.OutboundStatusSending},
		LockedBy:     s.workerID,
		AttemptCount: core.IntPtr(attempts),
		ClearLock:    true,
		Now:          now,
	}
	var retryAt time.Time
	switch {
	case result.Success:
		transition.To = core.OutboundStatusSent
		transition.ClearNext = true
		transition.ProviderMessageID = core.StringPtr(result.ProviderMessageID)
		transition.SentAt = core.TimePtr(now)
		transition.ErrorCode = core.StringPtr("")
		transition.ErrorMsg = core.StringPtr("")
	case result.Retriable && (maxAttempts <= 0 || attempts < maxAttempts):
		retryAt = core.BackoffLadder(s.config.BackoffLadder).Next(now, attempts)
		transition.To = core.OutboundStatusQueued
		transition.NextAttemptAt = core.TimePtr(retryAt)
		transition.ErrorCode = core.StringPtr(failureCode(result, core.ServiceErrorRetriable))
		transition.ErrorMsg = core.StringPtr(result.ErrorMessage)
	case result.Retriable:
		transition.To = core.OutboundStatusFailed
		transition.ClearNext = true
		transition.ErrorCode = core.StringPtr(core.ServiceErrorRetriesExhausted)
		transition.ErrorMsg = core.StringPtr(failureCode(result, core.ServiceErrorRetriable) + ": " + result.ErrorMessage)
	default:
		transition.To = core.OutboundStatusFailed
		transition.ClearNext = true
		transition.ErrorCode = core.StringPtr(failureCode(result, core.ServiceErrorSendFailed))
		transition.ErrorMsg = core.StringPtr(result.ErrorMessage)
	}

	updated, applied, err := s.store.Transition(ctx, transition)
	if err != nil {
		return SendOutcome{Job: job, Claimed: true}, fmt.Errorf("outbound: record result for %q: %w", job.ID, err)
	}
	if !applied {
		s.observer.Warn(ctx, "outbound: lost job lock before recording result", map[string]any{
			"job_id":    job.ID,
			"tenant_id": job.TenantID,
			"locked_by": updated.LockedBy,
		})
		return SendOutcome{Job: updated, Claimed: true}, nil
	}
	if result.Success && s.pacer != nil {
		if err := s.pacer.RecordSuccess(ctx, key); err != nil {
			s.observer.Warn(ctx, "outbound: reset pacing failed", map[string]any{"job_id": job.ID, "error": err.Error()})
		}
	}
	return SendOutcome{Job: updated, Claimed: true, RetryAt: retryAt}, nil
}

func (s *Service) finish(ctx context.Context, startedAt time.Time, fields map[string]any, outcome SendOutcome, result SendResult, err error) {
	fields["status"] = string(outcome.Job.Status)
	switch {
	case result.Success:
		fields["outcome"] = "sent"
	case result.RateLimited:
		fields["outcome"] = "rate_limited"
	default:
		fields["outcome"] = "failed"
		fields["error_code"] = result.ErrorCode
	}
	if err == nil && !result.Success {
		s.observer.Warn(ctx, "outbound: send did not succeed", fields)
	}
	s.observer.Observe(ctx, startedAt, "outbound.send", err, fields)
}

func (s *Service) schedule(ctx context.Context, job core.OutboundJob, key string) (string, error) {
	if s.scheduler == nil {
		return "", nil
	}
	result, err := s.scheduler.Enqueue(ctx, ledger.EnqueueRequest{
		Type:           JobTypeSend,
		TenantID:       job.TenantID,
		IdempotencyKey: key,
		Payload:        map[string]any{ParamJobID: job.ID},
		MaxAttempts:    ledger.UnlimitedAttempts,
	})
	if err != nil {
		return result.Run.ID, fmt.Errorf("outbound: schedule job %q: %w", job.ID, err)
	}
	return result.Run.ID, nil
}

func invokeProvider(ctx context.Context, provider Provider, job core.OutboundJob) (result SendResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = TerminalFailure(core.ServiceErrorPanic, fmt.Sprintf("provider panicked: %v", recovered))
		}
	}()
	return provider.Send(ctx, SendContext{
		TenantID:      job.TenantID,
		IntegrationID: job.IntegrationID,
		Attempt:       job.AttemptCount + 1,
	}, job)
}

func leaseCutoff(now time.Time, lease time.Duration) time.Time {
	if lease <= 0 {
		return time.Time{}
	}
	return now.Add(-lease)
}

func failureCode(result SendResult, fallback string) string {
	if code := strings.TrimSpace(result.ErrorCode); code != "" {
		return code
	}
	return fallback
}
