package security

import (
	"context"
	"fmt"
	"strings"
)

// RotationResult reports how many secrets were rewrapped under the current key.
type RotationResult struct {
	Rotated int
	Skipped int
}

// Reencrypt rewraps one stored secret under the vault's current key version.
// Records already on the current version are left alone.
func (m *SecretManager) Reencrypt(ctx context.Context, tenantID string, integrationID string, key string) (bool, error) {
	if err := validateScope(tenantID, integrationID, key); err != nil {
		return false, err
	}
	record, err := m.store.Get(ctx, strings.TrimSpace(tenantID), strings.TrimSpace(integrationID), strings.TrimSpace(key))
	if err != nil {
		return false, fmt.Errorf("security: reencrypt %q: %w", key, err)
	}
	if record.KeyVersion == m.vault.CurrentVersion() {
		return false, nil
	}
	plaintext, err := m.vault.Decrypt(ctx, record.Ciphertext, record.KeyVersion)
	if err != nil {
		return false, err
	}
	ciphertext, version, err := m.vault.Encrypt(ctx, plaintext)
	if err != nil {
		return false, err
	}
	record.Ciphertext = ciphertext
	record.KeyVersion = version
	record.UpdatedAt = m.Now()
	if _, err := m.store.Put(ctx, record); err != nil {
		return false, fmt.Errorf("security: reencrypt %q: %w", key, err)
	}
	return true, nil
}

func (m *SecretManager) ReencryptAll(ctx context.Context, tenantID string, integrationID string) (RotationResult, error) {
	keys, err := m.ListKeys(ctx, tenantID, integrationID)
	if err != nil {
		return RotationResult{}, err
	}
	result := RotationResult{}
	for _, info := range keys {
		if info.KeyVersion == m.vault.CurrentVersion() {
			result.Skipped++
			continue
		}
		rotated, err := m.Reencrypt(ctx, tenantID, integrationID, info.Key)
		if err != nil {
			return result, err
		}
		if rotated {
			result.Rotated++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}
