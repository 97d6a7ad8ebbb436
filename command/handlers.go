package command

import (
	"context"
	"net/http"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/outbound"
	"github.com/goliatone/go-ingress/security"
)

type InboundMutator interface {
	Retry(ctx context.Context, eventID string) (core.InboundEvent, error)
}

type OutboundMutator interface {
	CreateJob(ctx context.Context, in outbound.CreateJobInput) (outbound.CreateJobResult, error)
	Retry(ctx context.Context, jobID string) (core.OutboundJob, error)
	Cancel(ctx context.Context, jobID string) (core.OutboundJob, error)
}

type JobRunMutator interface {
	Retry(ctx context.Context, runID string) (core.JobRun, error)
}

type SecretMutator interface {
	Put(ctx context.Context, in security.PutSecretInput) (core.SecretKeyInfo, error)
	Delete(ctx context.Context, tenantID string, integrationID string, key string) error
}

type IntegrationMutator interface {
	UpdateStatus(ctx context.Context, id string, status core.IntegrationStatus, updatedBy string) (core.IntegrationConfig, error)
}

type RetryInboundEventCommand struct {
	service InboundMutator
}

func NewRetryInboundEventCommand(service InboundMutator) *RetryInboundEventCommand {
	return &RetryInboundEventCommand{service: service}
}

func (c *RetryInboundEventCommand) Execute(ctx context.Context, msg RetryInboundEventMessage) error {
	if c == nil || c.service == nil {
		return missingDependency("inbound service")
	}
	out, err := c.service.Retry(ctx, msg.EventID)
	if err != nil {
		return core.MapError(err)
	}
	storeResult(ctx, out)
	return nil
}

type CreateOutboundJobCommand struct {
	service OutboundMutator
}

func NewCreateOutboundJobCommand(service OutboundMutator) *CreateOutboundJobCommand {
	return &CreateOutboundJobCommand{service: service}
}

func (c *CreateOutboundJobCommand) Execute(ctx context.Context, msg CreateOutboundJobMessage) error {
	if c == nil || c.service == nil {
		return missingDependency("outbound service")
	}
	out, err := c.service.CreateJob(ctx, msg.Input)
	if err != nil {
		return core.MapError(err)
	}
	storeResult(ctx, out)
	return nil
}

type RetryOutboundJobCommand struct {
	service OutboundMutator
}

func NewRetryOutboundJobCommand(service OutboundMutator) *RetryOutboundJobCommand {
	return &RetryOutboundJobCommand{service: service}
}

func (c *RetryOutboundJobCommand) Execute(ctx context.Context, msg RetryOutboundJobMessage) error {
	if c == nil || c.service == nil {
		return missingDependency("outbound service")
	}
	out, err := c.service.Retry(ctx, msg.JobID)
	if err != nil {
		return core.MapError(err)
	}
	storeResult(ctx, out)
	return nil
}

type CancelOutboundJobCommand struct {
	service OutboundMutator
}

func NewCancelOutboundJobCommand(service OutboundMutator) *CancelOutboundJobCommand {
	return &CancelOutboundJobCommand{service: service}
}

func (c *CancelOutboundJobCommand) Execute(ctx context.Context, msg CancelOutboundJobMessage) error {
	if c == nil || c.service == nil {
		return missingDependency("outbound service")
	}
	out, err := c.service.Cancel(ctx, msg.JobID)
	if err != nil {
		return core.MapError(err)
	}
	storeResult(ctx, out)
	return nil
}

type RetryJobRunCommand struct {
	service JobRunMutator
}

func NewRetryJobRunCommand(service JobRunMutator) *RetryJobRunCommand {
	return &RetryJobRunCommand{service: service}
}

func (c *RetryJobRunCommand) Execute(ctx context.Context, msg RetryJobRunMessage) error {
	if c == nil || c.service == nil {
		return missingDependency("job ledger")
	}
	out, err := c.service.Retry(ctx, msg.RunID)
	if err != nil {
		return core.MapError(err)
	}
	storeResult(ctx, out)
	return nil
}

type PutSecretCommand struct {
	secrets SecretMutator
}

func NewPutSecretCommand(secrets SecretMutator) *PutSecretCommand {
	return &PutSecretCommand{secrets: secrets}
}

// Execute stores the secret. Only key metadata is returned to the caller.
func (c *PutSecretCommand) Execute(ctx context.Context, msg PutSecretMessage) error {
	if c == nil || c.secrets == nil {
		return missingDependency("secret manager")
	}
	out, err := c.secrets.Put(ctx, msg.Input)
	if err != nil {
		return core.MapError(err)
	}
	storeResult(ctx, out)
	return nil
}

type DeleteSecretCommand struct {
	secrets SecretMutator
}

func NewDeleteSecretCommand(secrets SecretMutator) *DeleteSecretCommand {
	return &DeleteSecretCommand{secrets: secrets}
}

func (c *DeleteSecretCommand) Execute(ctx context.Context, msg DeleteSecretMessage) error {
	if c == nil || c.secrets == nil {
		return missingDependency("secret manager")
	}
	if err := c.secrets.Delete(ctx, msg.TenantID, msg.IntegrationID, msg.Key); err != nil {
		return core.MapError(err)
	}
	return nil
}

type UpdateIntegrationStatusCommand struct {
	integrations IntegrationMutator
}

func NewUpdateIntegrationStatusCommand(integrations IntegrationMutator) *UpdateIntegrationStatusCommand {
	return &UpdateIntegrationStatusCommand{integrations: integrations}
}

func (c *UpdateIntegrationStatusCommand) Execute(ctx context.Context, msg UpdateIntegrationStatusMessage) error {
	if c == nil || c.integrations == nil {
		return missingDependency("integration store")
	}
	out, err := c.integrations.UpdateStatus(ctx, msg.IntegrationID, msg.Status, msg.UpdatedBy)
	if err != nil {
		return core.MapError(err)
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}

// missingDependency reports a command constructed without the service it
// drives. It is a wiring fault, never caller input.
func missingDependency(name string) error {
	return goerrors.New("command: "+name+" is required", goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ServiceErrorInternal).
		WithMetadata(map[string]any{"dependency": name})
}
