package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/google/uuid"
)

type IntegrationStore struct {
	mu    sync.RWMutex
	items map[string]core.IntegrationConfig
	Now   func() time.Time
}

func NewIntegrationStore() *IntegrationStore {
	return &IntegrationStore{
		items: map[string]core.IntegrationConfig{},
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *IntegrationStore) Create(_ context.Context, integration core.IntegrationConfig) (core.IntegrationConfig, error) {
	if strings.TrimSpace(integration.TenantID) == "" {
		return core.IntegrationConfig{}, fmt.Errorf("memory: tenant id is required: %w", core.ErrInvalidInput)
	}
	if strings.TrimSpace(integration.Provider) == "" {
		return core.IntegrationConfig{}, fmt.Errorf("memory: provider is required: %w", core.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(integration.ID) == "" {
		integration.ID = uuid.NewString()
	}
	if _, exists := s.items[integration.ID]; exists {
		return core.IntegrationConfig{}, fmt.Errorf("memory: integration %q: %w", integration.ID, core.ErrConflict)
	}
	if integration.Status == "" {
		integration.Status = core.IntegrationStatusActive
	}
	now := s.Now()
	integration.CreatedAt = now
	integration.UpdatedAt = now
	integration.Config = core.CopyAnyMap(integration.Config)
	s.items[integration.ID] = integration
	return cloneIntegration(integration), nil
}

func (s *IntegrationStore) Get(_ context.Context, id string) (core.IntegrationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return core.IntegrationConfig{}, fmt.Errorf("memory: integration %q: %w", id, core.ErrIntegrationNotFound)
	}
	return cloneIntegration(item), nil
}

func (s *IntegrationStore) List(_ context.Context, filter core.IntegrationFilter) ([]core.IntegrationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.IntegrationConfig, 0)
	for _, item := range s.items {
		if filter.TenantID != "" && item.TenantID != filter.TenantID {
			continue
		}
		if filter.Provider != "" && item.Provider != filter.Provider {
			continue
		}
		if filter.Type != "" && item.Type != filter.Type {
			continue
		}
		if filter.ExternalRef != "" && item.ExternalRef != filter.ExternalRef {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		out = append(out, cloneIntegration(item))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *IntegrationStore) UpdateStatus(_ context.Context, id string, status core.IntegrationStatus, updatedBy string) (core.IntegrationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return core.IntegrationConfig{}, fmt.Errorf("memory: integration %q: %w", id, core.ErrIntegrationNotFound)
	}
	item.Status = status
	item.UpdatedBy = updatedBy
	item.UpdatedAt = s.Now()
	s.items[item.ID] = item
	return cloneIntegration(item), nil
}

func cloneIntegration(in core.IntegrationConfig) core.IntegrationConfig {
	in.Config = core.CopyAnyMap(in.Config)
	return in
}

var _ core.IntegrationStore = (*IntegrationStore)(nil)
