package outbound

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/ledger"
	"github.com/goliatone/go-ingress/ratelimit"
	"github.com/goliatone/go-ingress/store/memory"
)

type captureScheduler struct {
	mu       sync.Mutex
	requests []ledger.EnqueueRequest
	err      error
}

func (s *captureScheduler) Enqueue(_ context.Context, req ledger.EnqueueRequest) (ledger.EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ledger.EnqueueResult{}, s.err
	}
	s.requests = append(s.requests, req)
	return ledger.EnqueueResult{Run: core.JobRun{ID: "run-" + req.Payload[ParamJobID].(string)}}, nil
}

func (s *captureScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc          *Service
	store        *memory.OutboundJobStore
	integrations *memory.IntegrationStore
	scheduler    *captureScheduler
	pacer        *ratelimit.Pacer
	clock        *fixedClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := &fixedClock{now: time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)}
	store := memory.NewOutboundJobStore()
	store.Now = clock.Now
	pacer := ratelimit.NewPacer(ratelimit.NewMemoryStateStore())
	pacer.Now = clock.Now
	integrations := memory.NewIntegrationStore()
	scheduler := &captureScheduler{}
	svc, err := NewService(store, NewProviderRegistry(),
		WithIntegrations(integrations),
		WithScheduler(scheduler),
		WithPacer(pacer),
		WithClock(clock.Now),
		WithWorkerID("worker-a"),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return fixture{svc: svc, store: store, integrations: integrations, scheduler: scheduler, pacer: pacer, clock: clock}
}

func (f fixture) create(t *testing.T, in CreateJobInput) string {
	t.Helper()
	if in.TenantID == "" {
		in.TenantID = "t1"
	}
	if in.Type == "" {
		in.Type = "whatsapp.send"
	}
	if in.Provider == "" {
		in.Provider = "whatsapp"
	}
	if in.DedupeKey == "" {
		in.DedupeKey = "msg-1"
	}
	result, err := f.svc.CreateJob(context.Background(), in)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return result.ID
}

func TestCreateJobRequiresDedupeKeyAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CreateJob(ctx, CreateJobInput{TenantID: "t1", Type: "x"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected missing dedupe key to be rejected, got %v", err)
	}

	in := CreateJobInput{TenantID: "t1", Type: "whatsapp.send", DedupeKey: "order-7:confirmation"}
	first, err := f.svc.CreateJob(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := f.svc.CreateJob(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !second.Duplicate || second.ID != first.ID {
		t.Fatalf("expected duplicate create to return the first job")
	}
	if f.scheduler.count() != 1 || f.scheduler.requests[0].IdempotencyKey != "outbound:"+first.ID {
		t.Fatalf("unexpected scheduling %+v", f.scheduler.requests)
	}
	job, _ := f.svc.Get(ctx, first.ID)
	if job.MaxAttempts != core.DefaultConfig().Outbound.MaxAttempts || job.Status != core.OutboundStatusQueued {
		t.Fatalf("unexpected job defaults %+v", job)
	}
}

func TestSendSuccessRecordsProviderMessageID(t *testing.T) {
	f := newFixture(t)
	var seen SendContext
	_ = f.svc.Registry().Register("whatsapp.send", ProviderFunc(func(_ context.Context, sctx SendContext, _ core.OutboundJob) SendResult {
		seen = sctx
		return Sent("wamid.42")
	}))
	id := f.create(t, CreateJobInput{})

	outcome, err := f.svc.Send(context.Background(), id)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome.Job.Status != core.OutboundStatusSent || outcome.Job.ProviderMessageID != "wamid.42" || outcome.Job.SentAt == nil {
		t.Fatalf("expected SENT job, got %+v", outcome.Job)
	}
	if seen.TenantID != "t1" || seen.Attempt != 1 {
		t.Fatalf("unexpected send context %+v", seen)
	}
	again, _ := f.svc.Send(context.Background(), id)
	if again.Claimed {
		t.Fatalf("expected SENT job not to be resent")
	}
}

func TestSendRateLimitedRequeuesWithoutSpendingAttempt(t *testing.T) {
	f := newFixture(t)
	var calls int32
	_ = f.svc.Registry().Register("whatsapp.send", ProviderFunc(func(context.Context, SendContext, core.OutboundJob) SendResult {
		atomic.AddInt32(&calls, 1)
		return RateLimitedResult(30, "too many requests")
	}))
	id := f.create(t, CreateJobInput{})
	other := f.create(t, CreateJobInput{DedupeKey: "msg-2"})
	ctx := context.Background()

	outcome, err := f.svc.Send(ctx, id)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	job := outcome.Job
	want := f.clock.Now().Add(30 * time.Second)
	if job.Status != core.OutboundStatusQueued || job.AttemptCount != 0 {
		t.Fatalf("expected QUEUED with no attempt spent, got %+v", job)
	}
	if job.RateLimitedUntil == nil || !job.RateLimitedUntil.Equal(want) || !job.NextAttemptAt.Equal(want) {
		t.Fatalf("expected pause until %v, got %+v", want, job)
	}
	if !outcome.RetryAt.Equal(want) {
		t.Fatalf("expected retry at %v, got %v", want, outcome.RetryAt)
	}

	throttled, err := f.svc.Send(ctx, other)
	if err != nil {
		t.Fatalf("send other: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected throttled pair to skip the provider")
	}
	if throttled.Job.Status != core.OutboundStatusQueued || throttled.Job.AttemptCount != 0 || !throttled.RetryAt.Equal(want) {
		t.Fatalf("expected second job deferred to the same pause, got %+v", throttled)
	}
}

func TestSendRateLimitedUsesDefaultRetryAfter(t *testing.T) {
	f := newFixture(t)
	_ = f.svc.Registry().Register("whatsapp.send", ProviderFunc(func(context.Context, SendContext, core.OutboundJob) SendResult {
		return RateLimitedResult(0, "")
	}))
	id := f.create(t, CreateJobInput{})
	outcome, err := f.svc.Send(context.Background(), id)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !outcome.RetryAt.Equal(f.clock.Now().Add(time.Minute)) {
		t.Fatalf("expected default retry after, got %v", outcome.RetryAt)
	}
}

func TestSendRetriableFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	_ = f.svc.Registry().Register("whatsapp.send", ProviderFunc(func(context.Context, SendContext, core.OutboundJob) SendResult {
		return RetriableFailure("UPSTREAM_5XX", "bad gateway")
	}))
	id := f.create(t, CreateJobInput{MaxAttempts: 2})
	ctx := context.Background()

	first, err := f.svc.Send(ctx, id)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if first.Job.Status != core.OutboundStatusQueued || first.Job.AttemptCount != 1 {
		t.Fatalf("expected requeue after first failure, got %+v", first.Job)
	}
	if !first.RetryAt.Equal(f.clock.Now().Add(time.Minute)) {
		t.Fatalf("expected first ladder delay, got %v", first.RetryAt)
	}
	f.clock.Advance(time.Minute)
	second, _ := f.svc.Send(ctx, id)
	if second.Job.Status != core.OutboundStatusFailed || second.Job.LastErrorCode != core.ServiceErrorRetriesExhausted {
		t.Fatalf("expected FAILED after max attempts, got %+v", second.Job)
	}
}

func TestSendTerminalFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.svc.Registry().Register("whatsapp.send", ProviderFunc(func(context.Context, SendContext, core.OutboundJob) SendResult {
		return TerminalFailure("INVALID_RECIPIENT", "recipient not on whatsapp")
	}))
	integration, _ := f.integrations.Create(ctx, core.IntegrationConfig{TenantID: "t1", Provider: "whatsapp", Status: core.IntegrationStatusDisabled})

	cases := []struct {
		name string
		in   CreateJobInput
		code string
	}{
		{"provider verdict", CreateJobInput{DedupeKey: "a"}, "INVALID_RECIPIENT"},
		{"missing provider", CreateJobInput{DedupeKey: "b", Type: "sms.send"}, core.ServiceErrorProviderNotFound},
		{"disabled integration", CreateJobInput{DedupeKey: "c", IntegrationID: integration.ID}, core.ServiceErrorIntegrationDisabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := f.create(t, tc.in)
			outcome, err := f.svc.Send(ctx, id)
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			if outcome.Job.Status != core.OutboundStatusFailed || outcome.Job.LastErrorCode != tc.code {
				t.Fatalf("expected FAILED %s, got %+v", tc.code, outcome.Job)
			}
		})
	}
}

func TestCancelOnlyWhileQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.svc.Registry().Register("whatsapp.send", ProviderFunc(func(context.Context, SendContext, core.OutboundJob) SendResult {
		return Sent("m1")
	}))
	queued := f.create(t, CreateJobInput{DedupeKey: "q"})
	job, err := f.svc.Cancel(ctx, queued)
	if err != nil || job.Status != core.OutboundStatusCanceled || job.CanceledAt == nil {
		t.Fatalf("expected CANCELED, got %+v %v", job, err)
	}
	if outcome, _ := f.svc.Send(ctx, queued); outcome.Claimed {
		t.Fatalf("expected canceled job not to be sent")
	}

	sent := f.create(t, CreateJobInput{DedupeKey: "s"})
	_, _ = f.svc.Send(ctx, sent)
	if _, err := f.svc.Cancel(ctx, sent); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict for SENT job, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, "missing"); !errors.Is(err, core.ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRetryFailedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, CreateJobInput{Type: "unregistered"})
	if _, err := f.svc.Send(ctx, id); err != nil {
		t.Fatalf("send: %v", err)
	}
	job, err := f.svc.Retry(ctx, id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if job.Status != core.OutboundStatusQueued || job.AttemptCount != 0 || job.LastErrorCode != "" {
		t.Fatalf("expected fresh QUEUED job, got %+v", job)
	}
	if _, err := f.svc.Retry(ctx, id); !errors.Is(err, core.ErrNotRetriable) {
		t.Fatalf("expected queued job not to be retriable, got %v", err)
	}
}

func TestConcurrentSendCallsProviderOnce(t *testing.T) {
	f := newFixture(t)
	var calls int32
	_ = f.svc.Registry().Register("whatsapp.send", ProviderFunc(func(context.Context, SendContext, core.OutboundJob) SendResult {
		atomic.AddInt32(&calls, 1)
		return Sent("m1")
	}))
	id := f.create(t, CreateJobInput{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Send(context.Background(), id)
		}()
	}
	wg.Wait()
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one provider call, got %d", calls)
	}
}

func TestStepRequestsRedeliveryWhileRateLimited(t *testing.T) {
	f := newFixture(t)
	_ = f.svc.Registry().Register("whatsapp.send", ProviderFunc(func(context.Context, SendContext, core.OutboundJob) SendResult {
		return RateLimitedResult(10, "slow down")
	}))
	id := f.create(t, CreateJobInput{})
	result := f.svc.Step()(context.Background(), core.JobRun{ID: "r1", Payload: map[string]any{ParamJobID: id}})
	if !result.RetryAt.Equal(f.clock.Now().Add(10*time.Second)) || result.ErrorCode != core.ServiceErrorRateLimited {
		t.Fatalf("unexpected step result %+v", result)
	}
	missing := f.svc.Step()(context.Background(), core.JobRun{ID: "r2", Payload: map[string]any{}})
	if missing.Err == nil || !missing.RetryAt.IsZero() {
		t.Fatalf("expected terminal step failure for missing job id")
	}
}

func TestRequeueDueRecoversJobWhoseHandOffFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.svc.Registry().Register("whatsapp.send", ProviderFunc(func(context.Context, SendContext, core.OutboundJob) SendResult {
		return Sent("m1")
	}))

	f.scheduler.err = errors.New("queue offline")
	id := f.create(t, CreateJobInput{})
	f.scheduler.err = nil

	if n, err := f.svc.RequeueDue(ctx, 0); err != nil || n != 0 {
		t.Fatalf("expected fresh job to be left to its own run, got %d %v", n, err)
	}
	f.clock.Advance(24 * time.Hour)
	if n, err := f.svc.RequeueDue(ctx, 0); err != nil || n != 1 {
		t.Fatalf("expected stranded job to be requeued, got %d %v", n, err)
	}
	outcome, err := f.svc.Send(ctx, id)
	if err != nil || outcome.Job.Status != core.OutboundStatusSent {
		t.Fatalf("expected requeued job to send, got %+v %v", outcome.Job, err)
	}
}

func TestAbandonedSendingJobIsRequeuedAndRetriable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, CreateJobInput{})
	if _, claimed, err := f.store.Claim(ctx, core.OutboundClaim{ID: id, WorkerID: "dead", Now: f.clock.Now()}); err != nil || !claimed {
		t.Fatalf("claim: %v", err)
	}
	handoffs := f.scheduler.count()

	if n, _ := f.svc.RequeueDue(ctx, 0); n != 0 {
		t.Fatalf("expected held lease to be skipped, got %d", n)
	}
	if _, err := f.svc.Retry(ctx, id); !errors.Is(err, core.ErrNotRetriable) {
		t.Fatalf("expected held lease not to be retriable, got %v", err)
	}

	f.clock.Advance(24 * time.Hour)
	if n, err := f.svc.RequeueDue(ctx, 0); err != nil || n != 1 {
		t.Fatalf("expected abandoned job to be requeued, got %d %v", n, err)
	}
	if f.scheduler.count() != handoffs+1 {
		t.Fatalf("expected a new run for the abandoned job, got %d handoffs", f.scheduler.count())
	}
	job, err := f.svc.Retry(ctx, id)
	if err != nil {
		t.Fatalf("expected retry of an abandoned job, got %v", err)
	}
	if job.Status != core.OutboundStatusQueued || job.LockedBy != "" {
		t.Fatalf("expected queued and unlocked, got %+v", job)
	}
}
