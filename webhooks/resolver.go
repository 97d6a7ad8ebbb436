package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-ingress/core"
)

// Candidate is one tenant integration that may own a delivery.
type Candidate struct {
	TenantID      string
	IntegrationID string
	Secret        string
}

// SecretResolver returns the integrations that could have sent a delivery on
// channel, each with its webhook secret.
type SecretResolver interface {
	Candidates(ctx context.Context, channel string, externalRef string) ([]Candidate, error)
}

// SecretReader is the slice of security.SecretManager the resolver needs.
type SecretReader interface {
	Get(ctx context.Context, tenantID string, integrationID string, key string) (string, error)
}

// TenantSecretResolver looks up ACTIVE integrations whose provider is the
// channel and decrypts their webhook secret.
type TenantSecretResolver struct {
	Integrations core.IntegrationStore
	Secrets      SecretReader
	SecretKey    string
	Observer     *core.Observer
}

func NewTenantSecretResolver(integrations core.IntegrationStore, secrets SecretReader, secretKey string) *TenantSecretResolver {
	if strings.TrimSpace(secretKey) == "" {
		secretKey = core.DefaultConfig().Webhook.SecretKey
	}
	return &TenantSecretResolver{Integrations: integrations, Secrets: secrets, SecretKey: secretKey}
}

func (r *TenantSecretResolver) Candidates(ctx context.Context, channel string, externalRef string) ([]Candidate, error) {
	if r == nil || r.Integrations == nil || r.Secrets == nil {
		return nil, fmt.Errorf("webhooks: secret resolver is not configured")
	}
	integrations, err := r.Integrations.List(ctx, core.IntegrationFilter{
		Provider:    strings.TrimSpace(channel),
		ExternalRef: strings.TrimSpace(externalRef),
		Status:      core.IntegrationStatusActive,
	})
	if err != nil {
		return nil, fmt.Errorf("webhooks: list integrations: %w", err)
	}
	out := make([]Candidate, 0, len(integrations))
	for _, integration := range integrations {
		secret, err := r.Secrets.Get(ctx, integration.TenantID, integration.ID, r.SecretKey)
		if err != nil {
			if errors.Is(err, core.ErrSecretMissing) {
				r.Observer.Debug(ctx, "webhooks: integration has no webhook secret", map[string]any{
					"tenant_id":      integration.TenantID,
					"integration_id": integration.ID,
				})
				continue
			}
			return nil, fmt.Errorf("webhooks: load secret for integration %q: %w", integration.ID, err)
		}
		out = append(out, Candidate{
			TenantID:      integration.TenantID,
			IntegrationID: integration.ID,
			Secret:        secret,
		})
	}
	return out, nil
}

// StaticSecretResolver serves a fixed candidate list per channel.
type StaticSecretResolver map[string][]Candidate

func (r StaticSecretResolver) Candidates(_ context.Context, channel string, _ string) ([]Candidate, error) {
	return append([]Candidate(nil), r[strings.TrimSpace(channel)]...), nil
}
