package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/ratelimit"
	"github.com/uptrace/bun"
)

// RateLimitStateStore persists provider pacing per (tenant, provider) so a
// throttle recorded by one worker holds back every worker.
type RateLimitStateStore struct {
	db *bun.DB
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &RateLimitStateStore{db: db}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, key ratelimit.Key) (ratelimit.State, error) {
	if s == nil || s.db == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key = key.Normalized()
	record := &rateLimitStateRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", key.TenantID).
		Where("?TableAlias.provider = ?", key.Provider).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ratelimit.State{}, ratelimit.ErrStateNotFound
		}
		return ratelimit.State{}, err
	}
	return record.toDomain(), nil
}

func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key := state.Key.Normalized()
	if key.Provider == "" {
		return fmt.Errorf("sqlstore: rate-limit provider is required: %w", core.ErrInvalidInput)
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = utcNow()
	}
	record := &rateLimitStateRecord{
		TenantID:       key.TenantID,
		Provider:       key.Provider,
		ThrottledUntil: core.CloneTime(state.ThrottledUntil),
		RetryAfterMS:   state.RetryAfter.Milliseconds(),
		LastStatus:     state.LastStatus,
		Attempts:       state.Attempts,
		UpdatedAt:      state.UpdatedAt.UTC(),
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (tenant_id, provider) DO UPDATE").
		Set("throttled_until = EXCLUDED.throttled_until").
		Set("retry_after_ms = EXCLUDED.retry_after_ms").
		Set("last_status = EXCLUDED.last_status").
		Set("attempts = EXCLUDED.attempts").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}
