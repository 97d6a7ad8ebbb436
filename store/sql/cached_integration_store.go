package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-ingress/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const integrationCacheKeyPrefix = "go-ingress::integration::v1"

// CachedIntegrationStore serves Get from cache. Workers look the integration
// up on every event and job, while status changes are rare. Writes go through
// the base store and evict the cached entry.
type CachedIntegrationStore struct {
	base  core.IntegrationStore
	cache repositorycache.CacheService
}

func NewCachedIntegrationStore(base core.IntegrationStore, cacheService repositorycache.CacheService) (*CachedIntegrationStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base integration store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: integration cache service is required")
	}
	return &CachedIntegrationStore{base: base, cache: cacheService}, nil
}

// IntegrationCacheKey is go-ingress::integration::v1::<id> with the id
// URL-path escaped.
func IntegrationCacheKey(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("sqlstore: integration id is required: %w", core.ErrInvalidInput)
	}
	return integrationCacheKeyPrefix + "::" + url.PathEscape(trimmed), nil
}

func (s *CachedIntegrationStore) Create(ctx context.Context, integration core.IntegrationConfig) (core.IntegrationConfig, error) {
	if s == nil || s.base == nil {
		return core.IntegrationConfig{}, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	return s.base.Create(ctx, integration)
}

func (s *CachedIntegrationStore) Get(ctx context.Context, id string) (core.IntegrationConfig, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IntegrationConfig{}, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	cacheKey, err := IntegrationCacheKey(id)
	if err != nil {
		return core.IntegrationConfig{}, err
	}
	integration, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.IntegrationConfig, error) {
		return s.base.Get(ctx, id)
	})
	if err != nil {
		return core.IntegrationConfig{}, err
	}
	integration.Config = core.CopyAnyMap(integration.Config)
	return integration, nil
}

func (s *CachedIntegrationStore) List(ctx context.Context, filter core.IntegrationFilter) ([]core.IntegrationConfig, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	return s.base.List(ctx, filter)
}

func (s *CachedIntegrationStore) UpdateStatus(
	ctx context.Context,
	id string,
	status core.IntegrationStatus,
	updatedBy string,
) (core.IntegrationConfig, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.IntegrationConfig{}, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	updated, err := s.base.UpdateStatus(ctx, id, status, updatedBy)
	if err != nil {
		return core.IntegrationConfig{}, err
	}
	cacheKey, err := IntegrationCacheKey(id)
	if err != nil {
		return core.IntegrationConfig{}, err
	}
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		return core.IntegrationConfig{}, err
	}
	return updated, nil
}
