package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RetryInboundEventMessage]       = (*RetryInboundEventCommand)(nil)
	_ gocmd.Commander[CreateOutboundJobMessage]       = (*CreateOutboundJobCommand)(nil)
	_ gocmd.Commander[RetryOutboundJobMessage]        = (*RetryOutboundJobCommand)(nil)
	_ gocmd.Commander[CancelOutboundJobMessage]       = (*CancelOutboundJobCommand)(nil)
	_ gocmd.Commander[RetryJobRunMessage]             = (*RetryJobRunCommand)(nil)
	_ gocmd.Commander[PutSecretMessage]               = (*PutSecretCommand)(nil)
	_ gocmd.Commander[DeleteSecretMessage]            = (*DeleteSecretCommand)(nil)
	_ gocmd.Commander[UpdateIntegrationStatusMessage] = (*UpdateIntegrationStatusCommand)(nil)
)
