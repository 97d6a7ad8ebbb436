package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ingress/core"
)

const ParamRunID = "run_id"

// UnlimitedAttempts disables run level exhaustion for steps that track their
// own attempt budget.
const UnlimitedAttempts = -1

// StepResult is what a step reports back. A zero value is success. A non-zero
// RetryAt asks for another attempt at that time; any other Err is terminal.
type StepResult struct {
	RetryAt   time.Time
	ErrorCode string
	Err       error
}

type StepFunc func(ctx context.Context, run core.JobRun) StepResult

type EnqueueRequest struct {
	Type           string
	TenantID       string
	IdempotencyKey string
	Payload        map[string]any
	MaxAttempts    int
}

type EnqueueResult struct {
	Run          core.JobRun
	Deduplicated bool
}

type ExecuteResult struct {
	Run      core.JobRun
	Executed bool
	RetryAt  time.Time
}

type Ledger struct {
	store    core.JobLedgerStore
	queue    core.JobEnqueuer
	config   core.LedgerConfig
	observer *core.Observer
	Now      func() time.Time

	mu    sync.RWMutex
	steps map[string]StepFunc
}

type Option func(*Ledger)

// WithEnqueuer sets the durable queue runs are handed to. Without one, runs
// stay QUEUED until Execute is called directly.
func WithEnqueuer(queue core.JobEnqueuer) Option {
	return func(l *Ledger) {
		l.queue = queue
	}
}

func WithConfig(cfg core.LedgerConfig) Option {
	return func(l *Ledger) {
		l.config = cfg
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(l *Ledger) {
		if observer != nil {
			l.observer = observer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.Now = now
		}
	}
}

func New(store core.JobLedgerStore, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger: store is required")
	}
	l := &Ledger{
		store:    store,
		config:   core.DefaultConfig().Ledger,
		observer: core.NewObserver(nil, nil),
		Now:      func() time.Time { return time.Now().UTC() },
		steps:    map[string]StepFunc{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// RegisterStep binds the worker function for a run type. Registration happens
// at startup before the queue consumer starts.
func (l *Ledger) RegisterStep(jobType string, step StepFunc) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return ledgerBadInput("ledger: step type is required", nil)
	}
	if step == nil {
		return ledgerBadInput("ledger: step function is required", map[string]any{"job_type": jobType})
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.steps[jobType]; exists {
		return ledgerConflict(
			fmt.Sprintf("ledger: step already registered for %q", jobType),
			map[string]any{"job_type": jobType},
		)
	}
	l.steps[jobType] = step
	return nil
}

func (l *Ledger) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	startedAt := l.Now()
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		return EnqueueResult{}, fmt.Errorf("ledger: job type is required: %w", core.ErrInvalidInput)
	}
	maxAttempts := req.MaxAttempts
	switch {
	case maxAttempts == UnlimitedAttempts:
		maxAttempts = 0
	case maxAttempts <= 0:
		maxAttempts = l.config.DefaultMaxAttempts
	}
	now := l.Now()
	run := core.JobRun{
		Type:           req.Type,
		TenantID:       strings.TrimSpace(req.TenantID),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Payload:        core.CopyAnyMap(req.Payload),
		Status:         core.JobRunStatusQueued,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var (
		created      core.JobRun
		deduplicated bool
		err          error
	)
	if run.IdempotencyKey == "" {
		created, err = l.store.CreateRun(ctx, run)
	} else {
		created, deduplicated, err = l.store.CreateIdempotentRun(ctx, core.IdempotentRunInput{
			Run:       run,
			LockUntil: now.Add(l.config.LockTTL(run.Type)),
			Now:       now,
		})
	}
	fields := map[string]any{
		"job_type":        run.Type,
		"tenant_id":       run.TenantID,
		"idempotency_key": run.IdempotencyKey,
		"deduplicated":    deduplicated,
	}
	if err != nil {
		l.observer.Observe(ctx, startedAt, "ledger.enqueue", err, fields)
		return EnqueueResult{}, fmt.Errorf("ledger: create run: %w", err)
	}
	fields["run_id"] = created.ID
	if deduplicated {
		l.observer.Observe(ctx, startedAt, "ledger.enqueue", nil, fields)
		return EnqueueResult{Run: created, Deduplicated: true}, nil
	}

	submitted, err := l.submit(ctx, created)
	l.observer.Observe(ctx, startedAt, "ledger.enqueue", err, fields)
	return EnqueueResult{Run: submitted}, err
}

// Retry requeues a FAILED run. Any other status returns core.ErrNotRetriable.
func (l *Ledger) Retry(ctx context.Context, runID string) (core.JobRun, error) {
	startedAt := l.Now()
	run, applied, err := l.store.TransitionRun(ctx, core.JobRunTransition{
		ID:        strings.TrimSpace(runID),
		From:      []core.JobRunStatus{core.JobRunStatusFailed},
		To:        core.JobRunStatusQueued,
		Attempts:  core.IntPtr(0),
		LastError: core.StringPtr(""),
		Now:       l.Now(),
	})
	if err != nil {
		l.observer.Observe(ctx, startedAt, "ledger.retry", err, map[string]any{"run_id": runID})
		return core.JobRun{}, fmt.Errorf("ledger: retry run %q: %w", runID, err)
	}
	if !applied {
		err := fmt.Errorf("ledger: run %q is %s: %w", runID, run.Status, core.ErrNotRetriable)
		l.observer.Observe(ctx, startedAt, "ledger.retry", err, map[string]any{"run_id": runID})
		return run, err
	}
	submitted, err := l.submit(ctx, run)
	l.observer.Observe(ctx, startedAt, "ledger.retry", err, map[string]any{"run_id": runID, "job_type": run.Type})
	return submitted, err
}

func (l *Ledger) Get(ctx context.Context, runID string) (core.JobRun, error) {
	run, err := l.store.GetRun(ctx, strings.TrimSpace(runID))
	if err != nil {
		return core.JobRun{}, fmt.Errorf("ledger: get run %q: %w", runID, err)
	}
	return run, nil
}

func (l *Ledger) PurgeExpiredLocks(ctx context.Context) (int, error) {
	purged, err := l.store.PurgeExpiredLocks(ctx, l.Now())
	if err != nil {
		return 0, fmt.Errorf("ledger: purge expired locks: %w", err)
	}
	return purged, nil
}

// Execute runs the registered step for a QUEUED run, or for a RUNNING run
// whose worker has not touched it within the run lease. A run in any other
// state is left alone and reported with Executed=false, which makes
// redelivered queue messages harmless.
func (l *Ledger) Execute(ctx context.Context, runID string) (ExecuteResult, error) {
	startedAt := l.Now()
	run, claimed, err := l.store.TransitionRun(ctx, core.JobRunTransition{
		ID:          strings.TrimSpace(runID),
		From:        []core.JobRunStatus{core.JobRunStatusQueued},
		StaleBefore: l.staleBefore(startedAt),
		To:          core.JobRunStatusRunning,
		Now:         startedAt,
	})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("ledger: claim run %q: %w", runID, err)
	}
	if !claimed {
		return ExecuteResult{Run: run}, nil
	}

	fields := map[string]any{"run_id": run.ID, "job_type": run.Type, "tenant_id": run.TenantID}
	step, ok := l.step(run.Type)
	var result StepResult
	if !ok {
		result = StepResult{
			ErrorCode: core.ServiceErrorStepNotFound,
			Err:       fmt.Errorf("ledger: no step registered for %q", run.Type),
		}
	} else {
		result = invokeStep(ctx, step, run)
	}

	finished, retryAt, err := l.complete(ctx, run, result)
	if err != nil {
		l.observer.Observe(ctx, startedAt, "ledger.execute", err, fields)
		return ExecuteResult{Run: run, Executed: true}, err
	}
	fields["status"] = string(finished.Status)
	l.observer.Observe(ctx, startedAt, "ledger.execute", result.Err, fields)
	return ExecuteResult{Run: finished, Executed: true, RetryAt: retryAt}, nil
}

// RequeueStale hands RUNNING runs that outlived the run lease back to the
// queue. Their worker is gone, so without this they would stay RUNNING and
// keep suppressing idempotent enqueues for their key.
func (l *Ledger) RequeueStale(ctx context.Context, limit int) (int, error) {
	now := l.Now()
	before := l.staleBefore(now)
	if before.IsZero() {
		return 0, nil
	}
	stale, err := l.store.ListStaleRuns(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("ledger: list stale runs: %w", err)
	}
	requeued := 0
	for _, run := range stale {
		reset, applied, err := l.store.TransitionRun(ctx, core.JobRunTransition{
			ID:          run.ID,
			StaleBefore: before,
			To:          core.JobRunStatusQueued,
			LastError:   core.StringPtr(core.ServiceErrorLeaseExpired + ": worker did not finish the run"),
			Now:         now,
		})
		if err != nil {
			return requeued, fmt.Errorf("ledger: requeue stale run %q: %w", run.ID, err)
		}
		if !applied {
			continue
		}
		if _, err := l.submit(ctx, reset); err != nil {
			l.observer.Warn(ctx, "ledger: stale run requeue failed", map[string]any{
				"run_id":   run.ID,
				"job_type": run.Type,
				"error":    err.Error(),
			})
			continue
		}
		requeued++
	}
	if requeued > 0 {
		l.observer.Info(ctx, "ledger: requeued stale runs", map[string]any{"count": requeued})
	}
	return requeued, nil
}

// HandleMessage executes the run referenced by a queue message.
func (l *Ledger) HandleMessage(ctx context.Context, msg *core.JobExecutionMessage) (core.JobOutcome, error) {
	if msg == nil {
		return core.JobOutcome{Skipped: true}, nil
	}
	runID := strings.TrimSpace(fmt.Sprint(msg.Parameters[ParamRunID]))
	if runID == "" || runID == "<nil>" {
		runID = strings.TrimSpace(msg.IdempotencyKey)
	}
	if runID == "" {
		l.observer.Warn(ctx, "ledger: message without run id", map[string]any{"job_type": msg.JobID})
		return core.JobOutcome{Skipped: true}, nil
	}
	result, err := l.Execute(ctx, runID)
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			l.observer.Warn(ctx, "ledger: message for unknown run", map[string]any{"run_id": runID, "job_type": msg.JobID})
			return core.JobOutcome{RunID: runID, Skipped: true}, nil
		}
		return core.JobOutcome{RunID: runID}, err
	}
	return core.JobOutcome{RunID: runID, RetryAt: result.RetryAt, Skipped: !result.Executed}, nil
}

func (l *Ledger) complete(ctx context.Context, run core.JobRun, result StepResult) (core.JobRun, time.Time, error) {
	attempts := run.Attempts + 1
	transition := core.JobRunTransition{
		ID:       run.ID,
		From:     []core.JobRunStatus{core.JobRunStatusRunning},
		Attempts: core.IntPtr(attempts),
		Now:      l.Now(),
	}
	var retryAt time.Time
	switch {
	case result.Err == nil && result.RetryAt.IsZero():
		transition.To = core.JobRunStatusSuccess
		transition.LastError = core.StringPtr("")
	case !result.RetryAt.IsZero():
		message := formatRunError(result)
		if run.MaxAttempts > 0 && attempts >= run.MaxAttempts {
			transition.To = core.JobRunStatusFailed
			message = core.ServiceErrorRetriesExhausted + ": " + message
		} else {
			transition.To = core.JobRunStatusQueued
			retryAt = result.RetryAt.UTC()
		}
		transition.LastError = core.StringPtr(message)
	default:
		transition.To = core.JobRunStatusFailed
		transition.LastError = core.StringPtr(formatRunError(result))
	}

	updated, applied, err := l.store.TransitionRun(ctx, transition)
	if err != nil {
		return run, time.Time{}, fmt.Errorf("ledger: complete run %q: %w", run.ID, err)
	}
	if !applied {
		return updated, time.Time{}, nil
	}
	return updated, retryAt, nil
}

func (l *Ledger) submit(ctx context.Context, run core.JobRun) (core.JobRun, error) {
	if l.queue == nil {
		return run, nil
	}
	params := core.CopyAnyMap(run.Payload)
	params[ParamRunID] = run.ID
	err := l.queue.Enqueue(ctx, &core.JobExecutionMessage{
		JobID:          run.Type,
		ScriptPath:     run.Type,
		Parameters:     params,
		IdempotencyKey: run.ID,
	})
	if err == nil {
		return run, nil
	}
	failed, _, markErr := l.store.TransitionRun(ctx, core.JobRunTransition{
		ID:        run.ID,
		From:      []core.JobRunStatus{core.JobRunStatusQueued},
		To:        core.JobRunStatusFailed,
		LastError: core.StringPtr("enqueue: " + err.Error()),
		Now:       l.Now(),
	})
	if markErr != nil {
		return run, errors.Join(fmt.Errorf("ledger: enqueue run %q: %w", run.ID, err), markErr)
	}
	return failed, fmt.Errorf("ledger: enqueue run %q: %w", run.ID, err)
}

func (l *Ledger) staleBefore(now time.Time) time.Time {
	if l.config.RunLease <= 0 {
		return time.Time{}
	}
	return now.Add(-l.config.RunLease)
}

func (l *Ledger) step(jobType string) (StepFunc, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	step, ok := l.steps[jobType]
	return step, ok
}

func invokeStep(ctx context.Context, step StepFunc, run core.JobRun) (result StepResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = StepResult{
				ErrorCode: core.ServiceErrorPanic,
				Err:       fmt.Errorf("ledger: step panicked: %v", recovered),
			}
		}
	}()
	return step(ctx, run)
}

func formatRunError(result StepResult) string {
	message := "retry requested"
	if result.Err != nil {
		message = result.Err.Error()
	}
	code := strings.TrimSpace(result.ErrorCode)
	if code == "" && result.Err != nil {
		code = core.ErrorCode(result.Err)
	}
	if code == "" {
		return message
	}
	return code + ": " + message
}

var _ core.JobMessageHandler = (*Ledger)(nil)
