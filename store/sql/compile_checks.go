package sqlstore

import (
	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/ratelimit"
)

var (
	_ core.IntegrationStore  = (*IntegrationStore)(nil)
	_ core.IntegrationStore  = (*CachedIntegrationStore)(nil)
	_ core.SecretStore       = (*SecretStore)(nil)
	_ core.InboundEventStore = (*InboundEventStore)(nil)
	_ core.OutboundJobStore  = (*OutboundJobStore)(nil)
	_ core.JobLedgerStore    = (*JobLedgerStore)(nil)
	_ ratelimit.StateStore   = (*RateLimitStateStore)(nil)
)
