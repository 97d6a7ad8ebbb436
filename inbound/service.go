package inbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/ledger"
	"github.com/google/uuid"
)

const (
	JobTypeProcess = "inbound.process"
	ParamEventID   = "event_id"
)

// Scheduler hands an event to the durable job ledger. *ledger.Ledger
// satisfies it.
type Scheduler interface {
	Enqueue(ctx context.Context, req ledger.EnqueueRequest) (ledger.EnqueueResult, error)
}

type CreateEventInput struct {
	TenantID      string
	SourceType    string
	Provider      string
	IntegrationID string
	ExternalID    string
	Payload       map[string]any
	Meta          map[string]any
}

type CreateEventResult struct {
	ID        string
	Duplicate bool
	RunID     string
}

// ProcessOutcome reports what a Process call did. Claimed is false when the
// event was not claimable (already done, held by another worker, or not due).
type ProcessOutcome struct {
	Event   core.InboundEvent
	Claimed bool
	RetryAt time.Time
}

type Service struct {
	store        core.InboundEventStore
	integrations core.IntegrationStore
	registry     *ProcessorRegistry
	scheduler    Scheduler
	config       core.InboundConfig
	observer     *core.Observer
	workerID     string
	Now          func() time.Time
}

type Option func(*Service)

// WithIntegrations enables the integration status check. Without a store,
// events are processed regardless of integration state.
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

func WithConfig(cfg core.InboundConfig) Option {
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

func NewService(store core.InboundEventStore, registry *ProcessorRegistry, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("inbound: event store is required")
	}
	if registry == nil {
		registry = NewProcessorRegistry()
	}
	svc := &Service{
		store:    store,
		registry: registry,
		config:   core.DefaultConfig().Inbound,
		observer: core.NewObserver(nil, nil),
		workerID: "inbound-" + uuid.NewString(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

func (s *Service) Registry() *ProcessorRegistry {
	return s.registry
}

// CreateEvent stores an event exactly once per (tenant, source type, external
// id), or per payload hash when no external id is known. Fresh events are
// handed to the scheduler; a scheduling failure is logged and left for the
// due sweep because the row itself is already durable.
func (s *Service) CreateEvent(ctx context.Context, in CreateEventInput) (CreateEventResult, error) {
	startedAt := s.Now()
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.SourceType = strings.TrimSpace(in.SourceType)
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	if in.TenantID == "" {
		return CreateEventResult{}, fmt.Errorf("inbound: tenant id is required: %w", core.ErrInvalidInput)
	}
	if in.SourceType == "" {
		return CreateEventResult{}, fmt.Errorf("inbound: source type is required: %w", core.ErrInvalidInput)
	}
	provider := strings.TrimSpace(in.Provider)
	if provider == "" {
		provider = in.SourceType
	}

	event := core.InboundEvent{
		TenantID:      in.TenantID,
		SourceType:    in.SourceType,
		Provider:      provider,
		IntegrationID: strings.TrimSpace(in.IntegrationID),
		ExternalID:    in.ExternalID,
		Payload:       core.CopyAnyMap(in.Payload),
		Meta:          core.CopyAnyMap(in.Meta),
		Status:        core.InboundStatusReceived,
	}
	if event.ExternalID == "" {
		key, err := PayloadDedupeKey(event.Payload)
		if err != nil {
			return CreateEventResult{}, fmt.Errorf("inbound: dedupe key: %w", err)
		}
		event.DedupeKey = key
	}

	fields := map[string]any{
		"tenant_id":   event.TenantID,
		"source_type": event.SourceType,
		"provider":    event.Provider,
		"external_id": event.ExternalID,
	}
	created, duplicate, err := s.store.Create(ctx, event)
	if err != nil {
		s.observer.Observe(ctx, startedAt, "inbound.create", err, fields)
		return CreateEventResult{}, fmt.Errorf("inbound: create event: %w", err)
	}
	fields["event_id"] = created.ID
	fields["duplicate"] = duplicate
	result := CreateEventResult{ID: created.ID, Duplicate: duplicate}
	if duplicate {
		fields["outcome"] = "duplicate"
		s.observer.Observe(ctx, startedAt, "inbound.create", nil, fields)
		return result, nil
	}

	runID, scheduleErr := s.schedule(ctx, created, "inbound:"+created.ID)
	if scheduleErr != nil {
		fields["schedule_error"] = scheduleErr.Error()
		s.observer.Warn(ctx, "inbound: event stored but not scheduled", fields)
	}
	result.RunID = runID
	fields["outcome"] = "created"
	s.observer.Observe(ctx, startedAt, "inbound.create", nil, fields)
	return result, nil
}

// Process claims the event and runs its processor. Errors are reserved for
// storage failures; processor failures are recorded on the row.
func (s *Service) Process(ctx context.Context, eventID string) (ProcessOutcome, error) {
	startedAt := s.Now()
	eventID = strings.TrimSpace(eventID)
	event, claimed, err := s.store.Claim(ctx, core.InboundClaim{
		ID:         eventID,
		WorkerID:   s.workerID,
		Now:        startedAt,
		StaleAfter: s.config.LockLease,
	})
	if err != nil {
		return ProcessOutcome{}, fmt.Errorf("inbound: claim event %q: %w", eventID, err)
	}
	if !claimed {
		s.observer.Debug(ctx, "inbound: event not claimable", map[string]any{
			"event_id": eventID,
			"status":   string(event.Status),
		})
		return ProcessOutcome{Event: event}, nil
	}

	fields := map[string]any{
		"event_id":    event.ID,
		"tenant_id":   event.TenantID,
		"source_type": event.SourceType,
		"provider":    event.Provider,
		"attempt":     event.AttemptCount + 1,
	}

	result, err := s.run(ctx, event)
	if err != nil {
		s.observer.Observe(ctx, startedAt, "inbound.process", err, fields)
		return ProcessOutcome{Event: event, Claimed: true}, err
	}
	outcome, err := s.record(ctx, event, result)
	fields["status"] = string(outcome.Event.Status)
	if result.Success {
		fields["outcome"] = "done"
	} else {
		fields["outcome"] = "error"
		fields["error_code"] = result.ErrorCode
	}
	if err == nil && !result.Success {
		s.observer.Warn(ctx, "inbound: processing failed", fields)
	}
	s.observer.Observe(ctx, startedAt, "inbound.process", err, fields)
	return outcome, err
}

// Retry starts a fresh attempt cycle for an event that is not currently
// being processed. A PROCESSING event whose lease has lapsed counts as
// abandoned and may be retried too.
func (s *Service) Retry(ctx context.Context, eventID string) (core.InboundEvent, error) {
	startedAt := s.Now()
	eventID = strings.TrimSpace(eventID)
	fields := map[string]any{"event_id": eventID}
	event, applied, err := s.store.Transition(ctx, core.InboundTransition{
		ID: eventID,
		From: []core.InboundStatus{
			core.InboundStatusReceived,
			core.InboundStatusDone,
			core.InboundStatusError,
		},
		LeaseExpiredBefore: leaseCutoff(startedAt, s.config.LockLease),
		To:                 core.InboundStatusReceived,
		AttemptCount:       core.IntPtr(0),
		ClearNext:          true,
		ClearLock:          true,
		ErrorCode:          core.StringPtr(""),
		ErrorMsg:           core.StringPtr(""),
		Now:                startedAt,
	})
	if err != nil {
		s.observer.Observe(ctx, startedAt, "inbound.retry", err, fields)
		return core.InboundEvent{}, fmt.Errorf("inbound: retry event %q: %w", eventID, err)
	}
	if !applied {
		err := fmt.Errorf("inbound: event %q is %s: %w", eventID, event.Status, core.ErrConflict)
		s.observer.Observe(ctx, startedAt, "inbound.retry", err, fields)
		return event, err
	}
	fields["tenant_id"] = event.TenantID
	fields["source_type"] = event.SourceType
	if _, err := s.schedule(ctx, event, ""); err != nil {
		s.observer.Observe(ctx, startedAt, "inbound.retry", err, fields)
		return event, err
	}
	s.observer.Observe(ctx, startedAt, "inbound.retry", nil, fields)
	return event, nil
}

func (s *Service) Get(ctx context.Context, eventID string) (core.InboundEvent, error) {
	event, err := s.store.Get(ctx, strings.TrimSpace(eventID))
	if err != nil {
		return core.InboundEvent{}, fmt.Errorf("inbound: get event %q: %w", eventID, err)
	}
	return event, nil
}

func (s *Service) List(ctx context.Context, filter core.InboundFilter) ([]core.InboundEvent, int, error) {
	if strings.TrimSpace(filter.TenantID) == "" {
		return nil, 0, fmt.Errorf("inbound: tenant id is required: %w", core.ErrInvalidInput)
	}
	events, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("inbound: list events: %w", err)
	}
	return events, total, nil
}

// RequeueDue schedules ERROR events whose next attempt time has passed, plus
// RECEIVED events nobody picked up within the lock lease (their hand-off
// failed) and PROCESSING events whose worker let the lease lapse. Each gets
// a fresh run; the event claim keeps a duplicate run from processing twice.
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
		return 0, fmt.Errorf("inbound: list due events: %w", err)
	}
	scheduled := 0
	for _, event := range due {
		if _, err := s.schedule(ctx, event, ""); err != nil {
			s.observer.Warn(ctx, "inbound: requeue failed", map[string]any{
				"event_id":  event.ID,
				"tenant_id": event.TenantID,
				"error":     err.Error(),
			})
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		s.observer.Info(ctx, "inbound: requeued due events", map[string]any{"count": scheduled})
	}
	return scheduled, nil
}

// Step adapts Process to the job ledger. A retriable failure asks the ledger
// for a delayed redelivery at the event's next attempt time.
func (s *Service) Step() ledger.StepFunc {
	return func(ctx context.Context, run core.JobRun) ledger.StepResult {
		eventID := strings.TrimSpace(fmt.Sprint(run.Payload[ParamEventID]))
		if eventID == "" || eventID == "<nil>" {
			return ledger.StepResult{
				ErrorCode: core.ServiceErrorBadInput,
				Err:       fmt.Errorf("inbound: run %q has no event id", run.ID),
			}
		}
		outcome, err := s.Process(ctx, eventID)
		if err != nil {
			if errors.Is(err, core.ErrEventNotFound) {
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
				ErrorCode: outcome.Event.LastErrorCode,
				Err:       errors.New(outcome.Event.LastErrorMsg),
			}
		}
		if outcome.Claimed && outcome.Event.Status == core.InboundStatusError {
			return ledger.StepResult{
				ErrorCode: outcome.Event.LastErrorCode,
				Err:       errors.New(outcome.Event.LastErrorMsg),
			}
		}
		return ledger.StepResult{}
	}
}

func (s *Service) run(ctx context.Context, event core.InboundEvent) (ProcessResult, error) {
	if event.IntegrationID != "" && s.integrations != nil {
		integration, err := s.integrations.Get(ctx, event.IntegrationID)
		switch {
		case errors.Is(err, core.ErrIntegrationNotFound), errors.Is(err, core.ErrNotFound):
			return TerminalFailure(core.ServiceErrorIntegrationDisabled, "integration not found"), nil
		case err != nil:
			return RetriableFailure(core.ServiceErrorInternal, "integration lookup: "+err.Error()), nil
		case integration.TenantID != event.TenantID:
			return TerminalFailure(core.ServiceErrorIntegrationDisabled, "integration belongs to another tenant"), nil
		case !integration.Active():
			return TerminalFailure(core.ServiceErrorIntegrationDisabled, "integration is "+string(integration.Status)), nil
		}
	}
	processor, ok := s.registry.Get(event.SourceType)
	if !ok {
		return TerminalFailure(
			core.ServiceErrorProcessorNotFound,
			fmt.Sprintf("no processor registered for source type %q", event.SourceType),
		), nil
	}
	return invokeProcessor(ctx, processor, event), nil
}

func (s *Service) record(ctx context.Context, event core.InboundEvent, result ProcessResult) (ProcessOutcome, error) {
	now := s.Now()
	attempts := event.AttemptCount + 1
	transition := core.InboundTransition{
		ID:           event.ID,
		From:         []core.InboundStatus{core.InboundStatusProcessing},
		LockedBy:     s.workerID,
		AttemptCount: core.IntPtr(attempts),
		ClearLock:    true,
		Now:          now,
	}
	var retryAt time.Time
	switch {
	case result.Success:
		transition.To = core.InboundStatusDone
		transition.AttemptCount = nil
		transition.ClearNext = true
		transition.ErrorCode = core.StringPtr("")
		transition.ErrorMsg = core.StringPtr("")
		transition.ResultMeta = core.CopyAnyMap(result.ResultMeta)
		transition.ProcessedAt = core.TimePtr(now)
	case result.Retriable && (s.config.MaxAttempts <= 0 || attempts < s.config.MaxAttempts):
		retryAt = core.BackoffLadder(s.config.BackoffLadder).Next(now, attempts)
		transition.To = core.InboundStatusError
		transition.NextAttemptAt = core.TimePtr(retryAt)
		transition.ErrorCode = core.StringPtr(failureCode(result, core.ServiceErrorRetriable))
		transition.ErrorMsg = core.StringPtr(result.ErrorMessage)
	case result.Retriable:
		transition.To = core.InboundStatusError
		transition.ClearNext = true
		transition.ErrorCode = core.StringPtr(core.ServiceErrorRetriesExhausted)
		transition.ErrorMsg = core.StringPtr(failureCode(result, core.ServiceErrorRetriable) + ": " + result.ErrorMessage)
	default:
		transition.To = core.InboundStatusError
		transition.ClearNext = true
		transition.ErrorCode = core.StringPtr(failureCode(result, core.ServiceErrorProcessingFailed))
		transition.ErrorMsg = core.StringPtr(result.ErrorMessage)
	}

	updated, applied, err := s.store.Transition(ctx, transition)
	if err != nil {
		return ProcessOutcome{Event: event, Claimed: true}, fmt.Errorf("inbound: record result for %q: %w", event.ID, err)
	}
	if !applied {
		// The lease expired and another worker reclaimed the row.
		s.observer.Warn(ctx, "inbound: lost event lock before recording result", map[string]any{
			"event_id":  event.ID,
			"tenant_id": event.TenantID,
			"locked_by": updated.LockedBy,
		})
		return ProcessOutcome{Event: updated, Claimed: true}, nil
	}
	return ProcessOutcome{Event: updated, Claimed: true, RetryAt: retryAt}, nil
}

func (s *Service) schedule(ctx context.Context, event core.InboundEvent, key string) (string, error) {
	if s.scheduler == nil {
		return "", nil
	}
	result, err := s.scheduler.Enqueue(ctx, ledger.EnqueueRequest{
		Type:           JobTypeProcess,
		TenantID:       event.TenantID,
		IdempotencyKey: key,
		Payload:        map[string]any{ParamEventID: event.ID},
		MaxAttempts:    ledger.UnlimitedAttempts,
	})
	if err != nil {
		return result.Run.ID, fmt.Errorf("inbound: schedule event %q: %w", event.ID, err)
	}
	return result.Run.ID, nil
}

func leaseCutoff(now time.Time, lease time.Duration) time.Time {
	if lease <= 0 {
		return time.Time{}
	}
	return now.Add(-lease)
}

func invokeProcessor(ctx context.Context, processor Processor, event core.InboundEvent) (result ProcessResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = TerminalFailure(core.ServiceErrorPanic, fmt.Sprintf("processor panicked: %v", recovered))
		}
	}()
	return processor.Process(ctx, ProcessContext{
		TenantID:      event.TenantID,
		IntegrationID: event.IntegrationID,
	}, event)
}

func failureCode(result ProcessResult, fallback string) string {
	if code := strings.TrimSpace(result.ErrorCode); code != "" {
		return code
	}
	return fallback
}

// PayloadDedupeKey hashes the canonical JSON form of payload. encoding/json
// sorts map keys, so equal payloads hash equally.
func PayloadDedupeKey(payload map[string]any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
