// Package auth attaches per-integration credentials to outbound provider
// requests. Credential material is read from the tenant secret vault at send
// time and never cached.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-ingress/core"
)

const (
	KindBearer = "bearer"
	KindAPIKey = "api_key"
	KindPAT    = "pat"
	KindHMAC   = "hmac"
)

// SecretReader is the slice of security.SecretManager strategies need.
type SecretReader interface {
	Get(ctx context.Context, tenantID string, integrationID string, key string) (string, error)
}

// Request is the mutable view of an outbound call a strategy signs.
type Request struct {
	TenantID      string
	IntegrationID string
	Method        string
	URL           string
	Headers       map[string]string
	Query         map[string]string
	Body          []byte
}

type Strategy interface {
	Type() string
	Apply(ctx context.Context, secrets SecretReader, req *Request) error
}

// Apply runs strategy against req when the request is bound to an
// integration. Anonymous requests pass through untouched.
func Apply(ctx context.Context, strategy Strategy, secrets SecretReader, req *Request) error {
	if strategy == nil || req == nil || strings.TrimSpace(req.IntegrationID) == "" {
		return nil
	}
	if secrets == nil {
		return fmt.Errorf("auth: %s strategy needs a secret reader", strategy.Type())
	}
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	if req.Query == nil {
		req.Query = map[string]string{}
	}
	return strategy.Apply(ctx, secrets, req)
}

// Terminal reports whether err means the credential is absent rather than
// temporarily unreadable.
func Terminal(err error) bool {
	return errors.Is(err, core.ErrSecretMissing)
}

func readSecret(ctx context.Context, secrets SecretReader, req *Request, key string) (string, error) {
	value, err := secrets.Get(ctx, req.TenantID, req.IntegrationID, key)
	if err != nil {
		return "", fmt.Errorf("auth: read %q for integration %q: %w", key, req.IntegrationID, err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("auth: %q for integration %q is empty: %w", key, req.IntegrationID, core.ErrSecretMissing)
	}
	return value, nil
}

// BearerStrategy sends the stored token as an Authorization bearer.
type BearerStrategy struct {
	TokenKey string
}

func NewBearerStrategy(tokenKey string) *BearerStrategy {
	tokenKey = strings.TrimSpace(tokenKey)
	if tokenKey == "" {
		tokenKey = DefaultTokenKey
	}
	return &BearerStrategy{TokenKey: tokenKey}
}

func (*BearerStrategy) Type() string { return KindBearer }

func (s *BearerStrategy) Apply(ctx context.Context, secrets SecretReader, req *Request) error {
	token, err := readSecret(ctx, secrets, req, s.TokenKey)
	if err != nil {
		return err
	}
	req.Headers["Authorization"] = "Bearer " + token
	return nil
}
