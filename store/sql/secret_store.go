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

// SecretStore keeps ciphertext rows keyed by (tenant, integration, key).
type SecretStore struct {
	db   *bun.DB
	repo repository.Repository[*secretRecord]
	Now  func() time.Time
}

func NewSecretStore(db *bun.DB) (*SecretStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, secretHandlers(), "secret")
	if err != nil {
		return nil, err
	}
	return &SecretStore{db: db, repo: repo, Now: utcNow}, nil
}

func (s *SecretStore) Put(ctx context.Context, record core.SecretRecord) (core.SecretRecord, error) {
	if s == nil || s.db == nil {
		return core.SecretRecord{}, fmt.Errorf("sqlstore: secret store is not configured")
	}
	record.TenantID = strings.TrimSpace(record.TenantID)
	record.IntegrationID = strings.TrimSpace(record.IntegrationID)
	record.Key = strings.TrimSpace(record.Key)
	if record.TenantID == "" || record.Key == "" {
		return core.SecretRecord{}, fmt.Errorf("sqlstore: tenant id and secret key are required: %w", core.ErrInvalidInput)
	}
	now := s.Now()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}

	var out core.SecretRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := &secretRecord{
			ID:            uuid.NewString(),
			TenantID:      record.TenantID,
			IntegrationID: record.IntegrationID,
			Key:           record.Key,
			Ciphertext:    append([]byte(nil), record.Ciphertext...),
			KeyVersion:    record.KeyVersion,
			CreatedAt:     record.CreatedAt,
			UpdatedAt:     record.UpdatedAt,
		}
		if _, err := tx.NewInsert().
			Model(row).
			On("CONFLICT (tenant_id, integration_id, secret_key) DO UPDATE").
			Set("ciphertext = EXCLUDED.ciphertext").
			Set("key_version = EXCLUDED.key_version").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx); err != nil {
			return err
		}
		stored, err := findSecret(ctx, tx, record.TenantID, record.IntegrationID, record.Key)
		if err != nil {
			return err
		}
		out = stored.toDomain()
		return nil
	})
	if err != nil {
		return core.SecretRecord{}, err
	}
	return out, nil
}

func (s *SecretStore) Get(ctx context.Context, tenantID string, integrationID string, key string) (core.SecretRecord, error) {
	if s == nil || s.db == nil {
		return core.SecretRecord{}, fmt.Errorf("sqlstore: secret store is not configured")
	}
	record, err := findSecret(ctx, s.db, strings.TrimSpace(tenantID), strings.TrimSpace(integrationID), strings.TrimSpace(key))
	if err != nil {
		return core.SecretRecord{}, err
	}
	return record.toDomain(), nil
}

func (s *SecretStore) Delete(ctx context.Context, tenantID string, integrationID string, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: secret store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*secretRecord)(nil)).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Where("integration_id = ?", strings.TrimSpace(integrationID)).
		Where("secret_key = ?", strings.TrimSpace(key)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("sqlstore: secret %q: %w", key, core.ErrNotFound)
	}
	return nil
}

func (s *SecretStore) ListKeys(ctx context.Context, tenantID string, integrationID string) ([]core.SecretKeyInfo, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: secret store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("tenant_id", "=", strings.TrimSpace(tenantID)),
		repository.SelectBy("integration_id", "=", strings.TrimSpace(integrationID)),
		repository.OrderBy("secret_key ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.SecretKeyInfo, 0, len(records))
	for _, record := range records {
		out = append(out, core.SecretKeyInfo{
			Key:        record.Key,
			KeyVersion: record.KeyVersion,
			UpdatedAt:  record.UpdatedAt.UTC(),
		})
	}
	return out, nil
}

func findSecret(ctx context.Context, db bun.IDB, tenantID, integrationID, key string) (*secretRecord, error) {
	record := &secretRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.integration_id = ?", integrationID).
		Where("?TableAlias.secret_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: secret %q: %w", key, core.ErrNotFound)
		}
		return nil, err
	}
	return record, nil
}
