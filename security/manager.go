package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingress/core"
)

type PutSecretInput struct {
	TenantID      string
	IntegrationID string
	Key           string
	Value         string
}

// SecretManager stores tenant and integration scoped secrets through the vault.
// Only ciphertext reaches the store.
type SecretManager struct {
	vault *Vault
	store core.SecretStore
	Now   func() time.Time
}

func NewSecretManager(vault *Vault, store core.SecretStore) (*SecretManager, error) {
	if vault == nil {
		return nil, fmt.Errorf("security: vault is required")
	}
	if store == nil {
		return nil, fmt.Errorf("security: secret store is required")
	}
	return &SecretManager{
		vault: vault,
		store: store,
		Now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (m *SecretManager) Put(ctx context.Context, in PutSecretInput) (core.SecretKeyInfo, error) {
	if err := validateScope(in.TenantID, in.IntegrationID, in.Key); err != nil {
		return core.SecretKeyInfo{}, err
	}
	ciphertext, version, err := m.vault.Encrypt(ctx, []byte(in.Value))
	if err != nil {
		return core.SecretKeyInfo{}, err
	}
	now := m.Now()
	stored, err := m.store.Put(ctx, core.SecretRecord{
		TenantID:      strings.TrimSpace(in.TenantID),
		IntegrationID: strings.TrimSpace(in.IntegrationID),
		Key:           strings.TrimSpace(in.Key),
		Ciphertext:    ciphertext,
		KeyVersion:    version,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return core.SecretKeyInfo{}, fmt.Errorf("security: put secret: %w", err)
	}
	return core.SecretKeyInfo{Key: stored.Key, KeyVersion: stored.KeyVersion, UpdatedAt: stored.UpdatedAt}, nil
}

// Get returns the plaintext secret. A missing row is core.ErrSecretMissing.
func (m *SecretManager) Get(ctx context.Context, tenantID string, integrationID string, key string) (string, error) {
	if err := validateScope(tenantID, integrationID, key); err != nil {
		return "", err
	}
	record, err := m.store.Get(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(integrationID), strings.TrimSpace(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return "", fmt.Errorf("security: secret %q: %w", key, core.ErrSecretMissing)
		}
		return "", fmt.Errorf("security: get secret: %w", err)
	}
	plaintext, err := m.vault.Decrypt(ctx, record.Ciphertext, record.KeyVersion)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (m *SecretManager) Delete(ctx context.Context, tenantID string, integrationID string, key string) error {
	if err := validateScope(tenantID, integrationID, key); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(integrationID), strings.TrimSpace(key)); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("security: secret %q: %w", key, core.ErrSecretMissing)
		}
		return fmt.Errorf("security: delete secret: %w", err)
	}
	return nil
}

func (m *SecretManager) ListKeys(ctx context.Context, tenantID string, integrationID string) ([]core.SecretKeyInfo, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(integrationID) == "" {
		return nil, fmt.Errorf("security: tenant id and integration id are required: %w", core.ErrInvalidInput)
	}
	return m.store.ListKeys(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(integrationID))
}

func validateScope(tenantID string, integrationID string, key string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("security: tenant id is required: %w", core.ErrInvalidInput)
	}
	if strings.TrimSpace(integrationID) == "" {
		return fmt.Errorf("security: integration id is required: %w", core.ErrInvalidInput)
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("security: secret key is required: %w", core.ErrInvalidInput)
	}
	return nil
}
