package ingress

import (
	"fmt"

	"github.com/goliatone/go-ingress/adapters/gocommand"
	ingresscommand "github.com/goliatone/go-ingress/command"
	ingressquery "github.com/goliatone/go-ingress/query"
)

type Commands struct {
	RetryInboundEvent       *ingresscommand.RetryInboundEventCommand
	CreateOutboundJob       *ingresscommand.CreateOutboundJobCommand
	RetryOutboundJob        *ingresscommand.RetryOutboundJobCommand
	CancelOutboundJob       *ingresscommand.CancelOutboundJobCommand
	RetryJobRun             *ingresscommand.RetryJobRunCommand
	PutSecret               *ingresscommand.PutSecretCommand
	DeleteSecret            *ingresscommand.DeleteSecretCommand
	UpdateIntegrationStatus *ingresscommand.UpdateIntegrationStatusCommand
}

type Queries struct {
	GetInboundEvent   *ingressquery.GetInboundEventQuery
	ListInboundEvents *ingressquery.ListInboundEventsQuery
	GetOutboundJob    *ingressquery.GetOutboundJobQuery
	ListOutboundJobs  *ingressquery.ListOutboundJobsQuery
	GetJobRun         *ingressquery.GetJobRunQuery
	ListSecretKeys    *ingressquery.ListSecretKeysQuery
	ListIntegrations  *ingressquery.ListIntegrationsQuery
}

func newCommands(r *Runtime) Commands {
	return Commands{
		RetryInboundEvent:       ingresscommand.NewRetryInboundEventCommand(r.Inbound),
		CreateOutboundJob:       ingresscommand.NewCreateOutboundJobCommand(r.Outbound),
		RetryOutboundJob:        ingresscommand.NewRetryOutboundJobCommand(r.Outbound),
		CancelOutboundJob:       ingresscommand.NewCancelOutboundJobCommand(r.Outbound),
		RetryJobRun:             ingresscommand.NewRetryJobRunCommand(r.Ledger),
		PutSecret:               ingresscommand.NewPutSecretCommand(r.Secrets),
		DeleteSecret:            ingresscommand.NewDeleteSecretCommand(r.Secrets),
		UpdateIntegrationStatus: ingresscommand.NewUpdateIntegrationStatusCommand(r.Stores.Integrations),
	}
}

func newQueries(r *Runtime) Queries {
	return Queries{
		GetInboundEvent:   ingressquery.NewGetInboundEventQuery(r.Inbound),
		ListInboundEvents: ingressquery.NewListInboundEventsQuery(r.Inbound),
		GetOutboundJob:    ingressquery.NewGetOutboundJobQuery(r.Outbound),
		ListOutboundJobs:  ingressquery.NewListOutboundJobsQuery(r.Outbound),
		GetJobRun:         ingressquery.NewGetJobRunQuery(r.Ledger),
		ListSecretKeys:    ingressquery.NewListSecretKeysQuery(r.Secrets),
		ListIntegrations:  ingressquery.NewListIntegrationsQuery(r.Stores.Integrations),
	}
}

func (r *Runtime) Commands() Commands {
	if r == nil {
		return Commands{}
	}
	return r.commands
}

func (r *Runtime) Queries() Queries {
	if r == nil {
		return Queries{}
	}
	return r.queries
}

// RegisterHandlers subscribes every command and query on the go-command
// dispatcher and registers them with adapter. Subscriptions are released by
// Close.
func (r *Runtime) RegisterHandlers(adapter *gocommand.RegistryAdapter) error {
	if r == nil {
		return fmt.Errorf("ingress: runtime is nil")
	}
	if adapter == nil {
		return fmt.Errorf("ingress: command registry adapter is required")
	}
	subs := &gocommand.Subscriptions{}
	c, q := r.commands, r.queries

	steps := []func() error{
		func() error { return gocommand.RegisterCommand(adapter, subs, c.RetryInboundEvent) },
		func() error { return gocommand.RegisterCommand(adapter, subs, c.CreateOutboundJob) },
		func() error { return gocommand.RegisterCommand(adapter, subs, c.RetryOutboundJob) },
		func() error { return gocommand.RegisterCommand(adapter, subs, c.CancelOutboundJob) },
		func() error { return gocommand.RegisterCommand(adapter, subs, c.RetryJobRun) },
		func() error { return gocommand.RegisterCommand(adapter, subs, c.PutSecret) },
		func() error { return gocommand.RegisterCommand(adapter, subs, c.DeleteSecret) },
		func() error { return gocommand.RegisterCommand(adapter, subs, c.UpdateIntegrationStatus) },
		func() error { return gocommand.RegisterQuery(adapter, subs, q.GetInboundEvent) },
		func() error { return gocommand.RegisterQuery(adapter, subs, q.ListInboundEvents) },
		func() error { return gocommand.RegisterQuery(adapter, subs, q.GetOutboundJob) },
		func() error { return gocommand.RegisterQuery(adapter, subs, q.ListOutboundJobs) },
		func() error { return gocommand.RegisterQuery(adapter, subs, q.GetJobRun) },
		func() error { return gocommand.RegisterQuery(adapter, subs, q.ListSecretKeys) },
		func() error { return gocommand.RegisterQuery(adapter, subs, q.ListIntegrations) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			subs.Close()
			return fmt.Errorf("ingress: register handlers: %w", err)
		}
	}

	r.mu.Lock()
	r.subscriptions = append(r.subscriptions, subs)
	r.mu.Unlock()
	return nil
}
