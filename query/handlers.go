package query

import (
	"context"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingress/core"
)

type InboundReader interface {
	Get(ctx context.Context, eventID string) (core.InboundEvent, error)
	List(ctx context.Context, filter core.InboundFilter) ([]core.InboundEvent, int, error)
}

type OutboundReader interface {
	Get(ctx context.Context, jobID string) (core.OutboundJob, error)
	List(ctx context.Context, filter core.OutboundFilter) ([]core.OutboundJob, int, error)
}

type JobRunReader interface {
	Get(ctx context.Context, runID string) (core.JobRun, error)
}

type SecretKeyReader interface {
	ListKeys(ctx context.Context, tenantID string, integrationID string) ([]core.SecretKeyInfo, error)
}

type IntegrationReader interface {
	List(ctx context.Context, filter core.IntegrationFilter) ([]core.IntegrationConfig, error)
}

type InboundEventPage struct {
	Items []core.InboundEvent
	Total int
}

type OutboundJobPage struct {
	Items []core.OutboundJob
	Total int
}

type GetInboundEventQuery struct {
	reader InboundReader
}

func NewGetInboundEventQuery(reader InboundReader) *GetInboundEventQuery {
	return &GetInboundEventQuery{reader: reader}
}

func (q *GetInboundEventQuery) Query(ctx context.Context, msg GetInboundEventMessage) (core.InboundEvent, error) {
	if q == nil || q.reader == nil {
		return core.InboundEvent{}, missingReader("inbound reader")
	}
	event, err := q.reader.Get(ctx, msg.EventID)
	return event, readError(err)
}

type ListInboundEventsQuery struct {
	reader InboundReader
}

func NewListInboundEventsQuery(reader InboundReader) *ListInboundEventsQuery {
	return &ListInboundEventsQuery{reader: reader}
}

func (q *ListInboundEventsQuery) Query(ctx context.Context, msg ListInboundEventsMessage) (InboundEventPage, error) {
	if q == nil || q.reader == nil {
		return InboundEventPage{}, missingReader("inbound reader")
	}
	items, total, err := q.reader.List(ctx, msg.Filter)
	if err != nil {
		return InboundEventPage{}, readError(err)
	}
	return InboundEventPage{Items: items, Total: total}, nil
}

type GetOutboundJobQuery struct {
	reader OutboundReader
}

func NewGetOutboundJobQuery(reader OutboundReader) *GetOutboundJobQuery {
	return &GetOutboundJobQuery{reader: reader}
}

func (q *GetOutboundJobQuery) Query(ctx context.Context, msg GetOutboundJobMessage) (core.OutboundJob, error) {
	if q == nil || q.reader == nil {
		return core.OutboundJob{}, missingReader("outbound reader")
	}
	job, err := q.reader.Get(ctx, msg.JobID)
	return job, readError(err)
}

type ListOutboundJobsQuery struct {
	reader OutboundReader
}

func NewListOutboundJobsQuery(reader OutboundReader) *ListOutboundJobsQuery {
	return &ListOutboundJobsQuery{reader: reader}
}

func (q *ListOutboundJobsQuery) Query(ctx context.Context, msg ListOutboundJobsMessage) (OutboundJobPage, error) {
	if q == nil || q.reader == nil {
		return OutboundJobPage{}, missingReader("outbound reader")
	}
	items, total, err := q.reader.List(ctx, msg.Filter)
	if err != nil {
		return OutboundJobPage{}, readError(err)
	}
	return OutboundJobPage{Items: items, Total: total}, nil
}

type GetJobRunQuery struct {
	reader JobRunReader
}

func NewGetJobRunQuery(reader JobRunReader) *GetJobRunQuery {
	return &GetJobRunQuery{reader: reader}
}

func (q *GetJobRunQuery) Query(ctx context.Context, msg GetJobRunMessage) (core.JobRun, error) {
	if q == nil || q.reader == nil {
		return core.JobRun{}, missingReader("job run reader")
	}
	run, err := q.reader.Get(ctx, msg.RunID)
	return run, readError(err)
}

// ListSecretKeysQuery lists key names and versions. Values never leave the
// secret manager through the query surface.
type ListSecretKeysQuery struct {
	reader SecretKeyReader
}

func NewListSecretKeysQuery(reader SecretKeyReader) *ListSecretKeysQuery {
	return &ListSecretKeysQuery{reader: reader}
}

func (q *ListSecretKeysQuery) Query(ctx context.Context, msg ListSecretKeysMessage) ([]core.SecretKeyInfo, error) {
	if q == nil || q.reader == nil {
		return nil, missingReader("secret reader")
	}
	keys, err := q.reader.ListKeys(ctx, msg.TenantID, msg.IntegrationID)
	return keys, readError(err)
}

type ListIntegrationsQuery struct {
	reader IntegrationReader
}

func NewListIntegrationsQuery(reader IntegrationReader) *ListIntegrationsQuery {
	return &ListIntegrationsQuery{reader: reader}
}

func (q *ListIntegrationsQuery) Query(ctx context.Context, msg ListIntegrationsMessage) ([]core.IntegrationConfig, error) {
	if q == nil || q.reader == nil {
		return nil, missingReader("integration reader")
	}
	items, err := q.reader.List(ctx, msg.Filter)
	return items, readError(err)
}

func missingReader(name string) error {
	return goerrors.New("query: "+name+" is required", goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(core.ServiceErrorInternal).
		WithMetadata(map[string]any{"reader": name})
}

// readError maps store failures onto service codes and keeps nil nil.
func readError(err error) error {
	if err == nil {
		return nil
	}
	return core.MapError(err)
}
