package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goliatone/go-ingress/core"
	"github.com/google/uuid"
)

type SecretStore struct {
	mu    sync.RWMutex
	items map[string]core.SecretRecord
}

func NewSecretStore() *SecretStore {
	return &SecretStore{items: map[string]core.SecretRecord{}}
}

func secretKey(tenantID, integrationID, key string) string {
	return tenantID + "\x00" + integrationID + "\x00" + key
}

func (s *SecretStore) Put(_ context.Context, record core.SecretRecord) (core.SecretRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := secretKey(record.TenantID, record.IntegrationID, record.Key)
	if existing, ok := s.items[k]; ok {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	} else if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Ciphertext = append([]byte(nil), record.Ciphertext...)
	s.items[k] = record
	return cloneSecret(record), nil
}

func (s *SecretStore) Get(_ context.Context, tenantID string, integrationID string, key string) (core.SecretRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.items[secretKey(tenantID, integrationID, key)]
	if !ok {
		return core.SecretRecord{}, fmt.Errorf("memory: secret %q: %w", key, core.ErrNotFound)
	}
	return cloneSecret(record), nil
}

func (s *SecretStore) Delete(_ context.Context, tenantID string, integrationID string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := secretKey(tenantID, integrationID, key)
	if _, ok := s.items[k]; !ok {
		return fmt.Errorf("memory: secret %q: %w", key, core.ErrNotFound)
	}
	delete(s.items, k)
	return nil
}

func (s *SecretStore) ListKeys(_ context.Context, tenantID string, integrationID string) ([]core.SecretKeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.SecretKeyInfo, 0)
	for _, record := range s.items {
		if record.TenantID != tenantID || record.IntegrationID != integrationID {
			continue
		}
		out = append(out, core.SecretKeyInfo{Key: record.Key, KeyVersion: record.KeyVersion, UpdatedAt: record.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneSecret(in core.SecretRecord) core.SecretRecord {
	in.Ciphertext = append([]byte(nil), in.Ciphertext...)
	return in
}

var _ core.SecretStore = (*SecretStore)(nil)
