package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-ingress/core"
)

var (
	_ gocmd.Querier[GetInboundEventMessage, core.InboundEvent]         = (*GetInboundEventQuery)(nil)
	_ gocmd.Querier[ListInboundEventsMessage, InboundEventPage]        = (*ListInboundEventsQuery)(nil)
	_ gocmd.Querier[GetOutboundJobMessage, core.OutboundJob]           = (*GetOutboundJobQuery)(nil)
	_ gocmd.Querier[ListOutboundJobsMessage, OutboundJobPage]          = (*ListOutboundJobsQuery)(nil)
	_ gocmd.Querier[GetJobRunMessage, core.JobRun]                     = (*GetJobRunQuery)(nil)
	_ gocmd.Querier[ListSecretKeysMessage, []core.SecretKeyInfo]       = (*ListSecretKeysQuery)(nil)
	_ gocmd.Querier[ListIntegrationsMessage, []core.IntegrationConfig] = (*ListIntegrationsQuery)(nil)
)
