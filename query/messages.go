package query

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingress/core"
)

const (
	TypeGetInboundEvent   = "ingress.query.inbound.get"
	TypeListInboundEvents = "ingress.query.inbound.list"
	TypeGetOutboundJob    = "ingress.query.outbound.get"
	TypeListOutboundJobs  = "ingress.query.outbound.list"
	TypeGetJobRun         = "ingress.query.job_run.get"
	TypeListSecretKeys    = "ingress.query.secret.list_keys"
	TypeListIntegrations  = "ingress.query.integration.list"

	// MaxPageSize caps list queries.
	MaxPageSize = 500
)

type GetInboundEventMessage struct {
	EventID string
}

func (GetInboundEventMessage) Type() string { return TypeGetInboundEvent }

func (m GetInboundEventMessage) Validate() error {
	return requireField("event_id", m.EventID)
}

type ListInboundEventsMessage struct {
	Filter core.InboundFilter
}

func (ListInboundEventsMessage) Type() string { return TypeListInboundEvents }

func (m ListInboundEventsMessage) Validate() error {
	return validatePage(m.Filter.Limit, m.Filter.Offset)
}

type GetOutboundJobMessage struct {
	JobID string
}

func (GetOutboundJobMessage) Type() string { return TypeGetOutboundJob }

func (m GetOutboundJobMessage) Validate() error {
	return requireField("job_id", m.JobID)
}

type ListOutboundJobsMessage struct {
	Filter core.OutboundFilter
}

func (ListOutboundJobsMessage) Type() string { return TypeListOutboundJobs }

func (m ListOutboundJobsMessage) Validate() error {
	return validatePage(m.Filter.Limit, m.Filter.Offset)
}

type GetJobRunMessage struct {
	RunID string
}

func (GetJobRunMessage) Type() string { return TypeGetJobRun }

func (m GetJobRunMessage) Validate() error {
	return requireField("run_id", m.RunID)
}

type ListSecretKeysMessage struct {
	TenantID      string
	IntegrationID string
}

func (ListSecretKeysMessage) Type() string { return TypeListSecretKeys }

func (m ListSecretKeysMessage) Validate() error {
	if err := requireField("tenant_id", m.TenantID); err != nil {
		return err
	}
	return requireField("integration_id", m.IntegrationID)
}

type ListIntegrationsMessage struct {
	Filter core.IntegrationFilter
}

func (ListIntegrationsMessage) Type() string { return TypeListIntegrations }

func (m ListIntegrationsMessage) Validate() error {
	return requireField("tenant_id", m.Filter.TenantID)
}

func requireField(field string, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalidMessage(field, field+" is required")
	}
	return nil
}

func validatePage(limit int, offset int) error {
	if limit < 0 || limit > MaxPageSize {
		return invalidMessage("limit", "limit must be between 0 and 500")
	}
	if offset < 0 {
		return invalidMessage("offset", "offset must not be negative")
	}
	return nil
}

func invalidMessage(field string, message string) error {
	return goerrors.NewValidation("query: invalid message", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(core.ServiceErrorBadInput)
}
