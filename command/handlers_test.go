package command

import (
	"context"
	"fmt"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/outbound"
	"github.com/goliatone/go-ingress/security"
)

type stubInbound struct {
	retryFn func(ctx context.Context, eventID string) (core.InboundEvent, error)
}

func (s stubInbound) Retry(ctx context.Context, eventID string) (core.InboundEvent, error) {
	return s.retryFn(ctx, eventID)
}

type stubOutbound struct {
	createFn func(ctx context.Context, in outbound.CreateJobInput) (outbound.CreateJobResult, error)
	retryFn  func(ctx context.Context, jobID string) (core.OutboundJob, error)
	cancelFn func(ctx context.Context, jobID string) (core.OutboundJob, error)
}

func (s stubOutbound) CreateJob(ctx context.Context, in outbound.CreateJobInput) (outbound.CreateJobResult, error) {
	return s.createFn(ctx, in)
}

func (s stubOutbound) Retry(ctx context.Context, jobID string) (core.OutboundJob, error) {
	return s.retryFn(ctx, jobID)
}

func (s stubOutbound) Cancel(ctx context.Context, jobID string) (core.OutboundJob, error) {
	return s.cancelFn(ctx, jobID)
}

type stubRuns struct {
	retryFn func(ctx context.Context, runID string) (core.JobRun, error)
}

func (s stubRuns) Retry(ctx context.Context, runID string) (core.JobRun, error) {
	return s.retryFn(ctx, runID)
}

type stubSecrets struct {
	put     []security.PutSecretInput
	deleted []string
	err     error
}

func (s *stubSecrets) Put(_ context.Context, in security.PutSecretInput) (core.SecretKeyInfo, error) {
	if s.err != nil {
		return core.SecretKeyInfo{}, s.err
	}
	s.put = append(s.put, in)
	return core.SecretKeyInfo{Key: in.Key, KeyVersion: 2, UpdatedAt: time.Now().UTC()}, nil
}

func (s *stubSecrets) Delete(_ context.Context, tenantID string, integrationID string, key string) error {
	if s.err != nil {
		return s.err
	}
	s.deleted = append(s.deleted, tenantID+"/"+integrationID+"/"+key)
	return nil
}

type stubIntegrations struct {
	updateFn func(ctx context.Context, id string, status core.IntegrationStatus, updatedBy string) (core.IntegrationConfig, error)
}

func (s stubIntegrations) UpdateStatus(ctx context.Context, id string, status core.IntegrationStatus, updatedBy string) (core.IntegrationConfig, error) {
	return s.updateFn(ctx, id, status, updatedBy)
}

func TestRetryInboundEventCommand_StoresResult(t *testing.T) {
	svc := stubInbound{retryFn: func(_ context.Context, eventID string) (core.InboundEvent, error) {
		if eventID != "evt_1" {
			t.Fatalf("unexpected event id %q", eventID)
		}
		return core.InboundEvent{ID: eventID, Status: core.InboundStatusReceived}, nil
	}}
	collector := gocmd.NewResult[core.InboundEvent]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := NewRetryInboundEventCommand(svc).Execute(ctx, RetryInboundEventMessage{EventID: "evt_1"}); err != nil {
		t.Fatalf("execute retry: %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.Status != core.InboundStatusReceived {
		t.Fatalf("expected requeued event result, got %+v ok=%v", result, ok)
	}
}

func TestOutboundCommands_DelegateToService(t *testing.T) {
	var calls []string
	svc := stubOutbound{
		createFn: func(_ context.Context, in outbound.CreateJobInput) (outbound.CreateJobResult, error) {
			calls = append(calls, "create:"+in.DedupeKey)
			return outbound.CreateJobResult{ID: "job_1"}, nil
		},
		retryFn: func(_ context.Context, jobID string) (core.OutboundJob, error) {
			calls = append(calls, "retry:"+jobID)
			return core.OutboundJob{ID: jobID, Status: core.OutboundStatusQueued}, nil
		},
		cancelFn: func(_ context.Context, jobID string) (core.OutboundJob, error) {
			calls = append(calls, "cancel:"+jobID)
			return core.OutboundJob{}, fmt.Errorf("outbound: job %q is SENDING: %w", jobID, core.ErrConflict)
		},
	}

	created := gocmd.NewResult[outbound.CreateJobResult]()
	if err := NewCreateOutboundJobCommand(svc).Execute(gocmd.ContextWithResult(context.Background(), created), CreateOutboundJobMessage{
		Input: outbound.CreateJobInput{TenantID: "t1", Type: "whatsapp.message", DedupeKey: "order-1"},
	}); err != nil {
		t.Fatalf("execute create: %v", err)
	}
	if result, ok := created.Load(); !ok || result.ID != "job_1" {
		t.Fatalf("expected create result, got %+v", result)
	}

	if err := NewRetryOutboundJobCommand(svc).Execute(context.Background(), RetryOutboundJobMessage{JobID: "job_1"}); err != nil {
		t.Fatalf("execute retry: %v", err)
	}

	err := NewCancelOutboundJobCommand(svc).Execute(context.Background(), CancelOutboundJobMessage{JobID: "job_1"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.TextCode != core.ServiceErrorConflict {
		t.Fatalf("expected %q text code, got %q", core.ServiceErrorConflict, rich.TextCode)
	}

	expected := []string{"create:order-1", "retry:job_1", "cancel:job_1"}
	if fmt.Sprint(calls) != fmt.Sprint(expected) {
		t.Fatalf("expected calls %v, got %v", expected, calls)
	}
}

func TestRetryJobRunCommand_MapsNotRetriable(t *testing.T) {
	svc := stubRuns{retryFn: func(_ context.Context, runID string) (core.JobRun, error) {
		return core.JobRun{}, fmt.Errorf("ledger: run %q is RUNNING: %w", runID, core.ErrNotRetriable)
	}}
	err := NewRetryJobRunCommand(svc).Execute(context.Background(), RetryJobRunMessage{RunID: "run_1"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ServiceErrorNotRetriable {
		t.Fatalf("expected NOT_RETRIABLE envelope, got %v", err)
	}
}

func TestSecretCommands_ReturnMetadataOnly(t *testing.T) {
	secrets := &stubSecrets{}
	collector := gocmd.NewResult[core.SecretKeyInfo]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := NewPutSecretCommand(secrets).Execute(ctx, PutSecretMessage{Input: security.PutSecretInput{
		TenantID:      "t1",
		IntegrationID: "i1",
		Key:           "access_token",
		Value:         "s3cret",
	}}); err != nil {
		t.Fatalf("execute put: %v", err)
	}
	info, ok := collector.Load()
	if !ok || info.Key != "access_token" || info.KeyVersion != 2 {
		t.Fatalf("expected key metadata, got %+v", info)
	}

	if err := NewDeleteSecretCommand(secrets).Execute(context.Background(), DeleteSecretMessage{
		TenantID: "t1", IntegrationID: "i1", Key: "access_token",
	}); err != nil {
		t.Fatalf("execute delete: %v", err)
	}
	if len(secrets.deleted) != 1 || secrets.deleted[0] != "t1/i1/access_token" {
		t.Fatalf("expected scoped delete, got %v", secrets.deleted)
	}

	secrets.err = fmt.Errorf("security: secret %q: %w", "missing", core.ErrSecretMissing)
	err := NewDeleteSecretCommand(secrets).Execute(context.Background(), DeleteSecretMessage{
		TenantID: "t1", IntegrationID: "i1", Key: "missing",
	})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ServiceErrorSecretMissing {
		t.Fatalf("expected SECRET_MISSING envelope, got %v", err)
	}
}

func TestUpdateIntegrationStatusCommand_DelegatesToStore(t *testing.T) {
	called := false
	store := stubIntegrations{updateFn: func(_ context.Context, id string, status core.IntegrationStatus, updatedBy string) (core.IntegrationConfig, error) {
		called = true
		if id != "int_1" || status != core.IntegrationStatusDisabled || updatedBy != "ops" {
			t.Fatalf("unexpected update payload: %q %q %q", id, status, updatedBy)
		}
		return core.IntegrationConfig{ID: id, Status: status}, nil
	}}
	if err := NewUpdateIntegrationStatusCommand(store).Execute(context.Background(), UpdateIntegrationStatusMessage{
		IntegrationID: "int_1",
		Status:        core.IntegrationStatusDisabled,
		UpdatedBy:     "ops",
	}); err != nil {
		t.Fatalf("execute update status: %v", err)
	}
	if !called {
		t.Fatalf("expected integration store invocation")
	}
}
