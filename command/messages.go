package command

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/outbound"
	"github.com/goliatone/go-ingress/security"
)

const (
	TypeRetryInboundEvent       = "ingress.command.inbound.retry"
	TypeCreateOutboundJob       = "ingress.command.outbound.create"
	TypeRetryOutboundJob        = "ingress.command.outbound.retry"
	TypeCancelOutboundJob       = "ingress.command.outbound.cancel"
	TypeRetryJobRun             = "ingress.command.job_run.retry"
	TypePutSecret               = "ingress.command.secret.put"
	TypeDeleteSecret            = "ingress.command.secret.delete"
	TypeUpdateIntegrationStatus = "ingress.command.integration.update_status"
)

type RetryInboundEventMessage struct {
	EventID string
}

func (RetryInboundEventMessage) Type() string { return TypeRetryInboundEvent }

func (m RetryInboundEventMessage) Validate() error {
	return requireField("event_id", m.EventID)
}

type CreateOutboundJobMessage struct {
	Input outbound.CreateJobInput
}

func (CreateOutboundJobMessage) Type() string { return TypeCreateOutboundJob }

func (m CreateOutboundJobMessage) Validate() error {
	if err := requireField("tenant_id", m.Input.TenantID); err != nil {
		return err
	}
	if err := requireField("type", m.Input.Type); err != nil {
		return err
	}
	return requireField("dedupe_key", m.Input.DedupeKey)
}

type RetryOutboundJobMessage struct {
	JobID string
}

func (RetryOutboundJobMessage) Type() string { return TypeRetryOutboundJob }

func (m RetryOutboundJobMessage) Validate() error {
	return requireField("job_id", m.JobID)
}

type CancelOutboundJobMessage struct {
	JobID string
}

func (CancelOutboundJobMessage) Type() string { return TypeCancelOutboundJob }

func (m CancelOutboundJobMessage) Validate() error {
	return requireField("job_id", m.JobID)
}

type RetryJobRunMessage struct {
	RunID string
}

func (RetryJobRunMessage) Type() string { return TypeRetryJobRun }

func (m RetryJobRunMessage) Validate() error {
	return requireField("run_id", m.RunID)
}

type PutSecretMessage struct {
	Input security.PutSecretInput
}

func (PutSecretMessage) Type() string { return TypePutSecret }

func (m PutSecretMessage) Validate() error {
	if err := validateSecretScope(m.Input.TenantID, m.Input.IntegrationID, m.Input.Key); err != nil {
		return err
	}
	if m.Input.Value == "" {
		return invalidMessage("value", "secret value is required")
	}
	return nil
}

type DeleteSecretMessage struct {
	TenantID      string
	IntegrationID string
	Key           string
}

func (DeleteSecretMessage) Type() string { return TypeDeleteSecret }

func (m DeleteSecretMessage) Validate() error {
	return validateSecretScope(m.TenantID, m.IntegrationID, m.Key)
}

type UpdateIntegrationStatusMessage struct {
	IntegrationID string
	Status        core.IntegrationStatus
	UpdatedBy     string
}

func (UpdateIntegrationStatusMessage) Type() string { return TypeUpdateIntegrationStatus }

func (m UpdateIntegrationStatusMessage) Validate() error {
	if err := requireField("integration_id", m.IntegrationID); err != nil {
		return err
	}
	switch m.Status {
	case core.IntegrationStatusActive, core.IntegrationStatusDisabled:
		return nil
	default:
		return invalidMessage("status", "status must be ACTIVE or DISABLED")
	}
}

func requireField(field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalidMessage(field, field+" is required")
	}
	return nil
}

func validateSecretScope(tenantID string, integrationID string, key string) error {
	if err := requireField("tenant_id", tenantID); err != nil {
		return err
	}
	if err := requireField("integration_id", integrationID); err != nil {
		return err
	}
	return requireField("key", key)
}

func invalidMessage(field string, message string) error {
	return goerrors.NewValidation("command: invalid message", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ServiceErrorBadInput)
}
