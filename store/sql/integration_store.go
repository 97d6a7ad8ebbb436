package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingress/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type IntegrationStore struct {
	db   *bun.DB
	repo repository.Repository[*integrationRecord]
	Now  func() time.Time
}

func NewIntegrationStore(db *bun.DB) (*IntegrationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, integrationHandlers(), "integration")
	if err != nil {
		return nil, err
	}
	return &IntegrationStore{db: db, repo: repo, Now: utcNow}, nil
}

func (s *IntegrationStore) Create(ctx context.Context, integration core.IntegrationConfig) (core.IntegrationConfig, error) {
	if s == nil || s.repo == nil {
		return core.IntegrationConfig{}, fmt.Errorf("sqlstore: integration store is not configured")
	}
	integration.TenantID = strings.TrimSpace(integration.TenantID)
	integration.Provider = strings.TrimSpace(integration.Provider)
	if integration.TenantID == "" {
		return core.IntegrationConfig{}, fmt.Errorf("sqlstore: tenant id is required: %w", core.ErrInvalidInput)
	}
	if integration.Provider == "" {
		return core.IntegrationConfig{}, fmt.Errorf("sqlstore: provider is required: %w", core.ErrInvalidInput)
	}
	if strings.TrimSpace(integration.ID) == "" {
		integration.ID = uuid.NewString()
	}
	if integration.Status == "" {
		integration.Status = core.IntegrationStatusActive
	}
	now := s.Now()
	integration.CreatedAt = now
	integration.UpdatedAt = now

	created, err := s.repo.Create(ctx, newIntegrationRecord(integration))
	if err != nil {
		if isUniqueViolation(err) {
			return core.IntegrationConfig{}, fmt.Errorf("sqlstore: integration %q: %w", integration.ID, core.ErrConflict)
		}
		return core.IntegrationConfig{}, err
	}
	return created.toDomain(), nil
}

func (s *IntegrationStore) Get(ctx context.Context, id string) (core.IntegrationConfig, error) {
	if s == nil || s.db == nil {
		return core.IntegrationConfig{}, fmt.Errorf("sqlstore: integration store is not configured")
	}
	record := &integrationRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.IntegrationConfig{}, fmt.Errorf("sqlstore: integration %q: %w", id, core.ErrIntegrationNotFound)
		}
		return core.IntegrationConfig{}, err
	}
	return record.toDomain(), nil
}

func (s *IntegrationStore) List(ctx context.Context, filter core.IntegrationFilter) ([]core.IntegrationConfig, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	selectors := make([]repository.SelectCriteria, 0, 6)
	if value := strings.TrimSpace(filter.TenantID); value != "" {
		selectors = append(selectors, repository.SelectBy("tenant_id", "=", value))
	}
	if value := strings.TrimSpace(filter.Provider); value != "" {
		selectors = append(selectors, repository.SelectBy("provider", "=", value))
	}
	if value := strings.TrimSpace(filter.Type); value != "" {
		selectors = append(selectors, repository.SelectBy("type", "=", value))
	}
	if value := strings.TrimSpace(filter.ExternalRef); value != "" {
		selectors = append(selectors, repository.SelectBy("external_ref", "=", value))
	}
	if filter.Status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", string(filter.Status)))
	}
	selectors = append(selectors, repository.OrderBy("created_at ASC"), repository.OrderBy("id ASC"))

	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.IntegrationConfig, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *IntegrationStore) UpdateStatus(
	ctx context.Context,
	id string,
	status core.IntegrationStatus,
	updatedBy string,
) (core.IntegrationConfig, error) {
	if s == nil || s.db == nil {
		return core.IntegrationConfig{}, fmt.Errorf("sqlstore: integration store is not configured")
	}
	trimmedID := strings.TrimSpace(id)
	res, err := s.db.NewUpdate().
		Model((*integrationRecord)(nil)).
		Set("status = ?", string(status)).
		Set("updated_by = ?", strings.TrimSpace(updatedBy)).
		Set("updated_at = ?", s.Now()).
		Where("id = ?", trimmedID).
		Exec(ctx)
	if err != nil {
		return core.IntegrationConfig{}, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return core.IntegrationConfig{}, fmt.Errorf("sqlstore: integration %q: %w", id, core.ErrIntegrationNotFound)
	}
	return s.Get(ctx, trimmedID)
}

func utcNow() time.Time {
	return time.Now().UTC()
}
