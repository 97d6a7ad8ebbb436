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

// casAttempts bounds optimistic update retries when another writer bumps
// row_version between our read and write.
const casAttempts = 5

type InboundEventStore struct {
	db   *bun.DB
	repo repository.Repository[*inboundEventRecord]
	Now  func() time.Time

	afterLookup func()
}

func NewInboundEventStore(db *bun.DB) (*InboundEventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, inboundEventHandlers(), "inbound event")
	if err != nil {
		return nil, err
	}
	return &InboundEventStore{db: db, repo: repo, Now: utcNow}, nil
}

func (s *InboundEventStore) Create(ctx context.Context, event core.InboundEvent) (core.InboundEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.InboundEvent{}, false, fmt.Errorf("sqlstore: inbound event store is not configured")
	}
	if existing, err := s.findDuplicate(ctx, event); err != nil || existing != nil {
		if err != nil {
			return core.InboundEvent{}, false, err
		}
		return existing.toDomain(), true, nil
	}
	if s.afterLookup != nil {
		s.afterLookup()
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = core.InboundStatusReceived
	}
	now := s.Now()
	event.CreatedAt = now
	event.UpdatedAt = now
	record := newInboundEventRecord(event, 1)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if !isUniqueViolation(err) {
			return core.InboundEvent{}, false, err
		}
		// Lost the race against a concurrent insert of the same delivery.
		existing, lookupErr := s.findDuplicate(ctx, event)
		if lookupErr != nil {
			return core.InboundEvent{}, false, lookupErr
		}
		if existing == nil {
			return core.InboundEvent{}, false, fmt.Errorf("sqlstore: inbound event %q: %w", event.ID, core.ErrConflict)
		}
		return existing.toDomain(), true, nil
	}
	return record.toDomain(), false, nil
}

func (s *InboundEventStore) Get(ctx context.Context, id string) (core.InboundEvent, error) {
	if s == nil || s.db == nil {
		return core.InboundEvent{}, fmt.Errorf("sqlstore: inbound event store is not configured")
	}
	record, err := s.find(ctx, id)
	if err != nil {
		return core.InboundEvent{}, err
	}
	return record.toDomain(), nil
}

func (s *InboundEventStore) List(ctx context.Context, filter core.InboundFilter) ([]core.InboundEvent, int, error) {
	if s == nil || s.repo == nil {
		return nil, 0, fmt.Errorf("sqlstore: inbound event store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at DESC"),
		repository.OrderBy("id DESC"),
	}
	if value := strings.TrimSpace(filter.TenantID); value != "" {
		selectors = append(selectors, repository.SelectBy("tenant_id", "=", value))
	}
	if value := strings.TrimSpace(filter.SourceType); value != "" {
		selectors = append(selectors, repository.SelectBy("source_type", "=", value))
	}
	if filter.Status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", string(filter.Status)))
	}
	if filter.Limit > 0 {
		selectors = append(selectors, repository.SelectPaginate(filter.Limit, max(filter.Offset, 0)))
	}

	records, total, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, 0, err
	}
	out := make([]core.InboundEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, total, nil
}

func (s *InboundEventStore) Claim(ctx context.Context, claim core.InboundClaim) (core.InboundEvent, bool, error) {
	return s.update(ctx, claim.ID, func(event core.InboundEvent) (core.InboundEvent, bool) {
		if !core.InboundClaimable(event, claim.Now, claim.StaleAfter) {
			return event, false
		}
		event.Status = core.InboundStatusProcessing
		event.LockedBy = claim.WorkerID
		event.LockedAt = core.TimePtr(claim.Now)
		event.UpdatedAt = claim.Now
		return event, true
	})
}

func (s *InboundEventStore) Transition(ctx context.Context, transition core.InboundTransition) (core.InboundEvent, bool, error) {
	return s.update(ctx, transition.ID, func(event core.InboundEvent) (core.InboundEvent, bool) {
		return core.ApplyInbound(event, transition)
	})
}

// ListDue returns ERROR rows whose retry time has passed and, when the query
// carries a lease, RECEIVED rows idle past it and PROCESSING rows whose lock
// outlived it.
func (s *InboundEventStore) ListDue(ctx context.Context, due core.DueQuery) ([]core.InboundEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: inbound event store is not configured")
	}
	now := due.Now.UTC()
	cutoff := due.StaleBefore()
	var records []*inboundEventRecord
	query := s.db.NewSelect().
		Model(&records).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			q = q.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("?TableAlias.status = ?", string(core.InboundStatusError)).
					Where("?TableAlias.next_attempt_at IS NOT NULL").
					Where("?TableAlias.next_attempt_at <= ?", now)
			})
			if cutoff.IsZero() {
				return q
			}
			q = q.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("?TableAlias.status = ?", string(core.InboundStatusReceived)).
					Where("?TableAlias.updated_at <= ?", cutoff.UTC())
			})
			return q.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("?TableAlias.status = ?", string(core.InboundStatusProcessing)).
					Where("?TableAlias.locked_at IS NOT NULL").
					Where("?TableAlias.locked_at <= ?", cutoff.UTC())
			})
		}).
		OrderExpr("COALESCE(?TableAlias.next_attempt_at, ?TableAlias.locked_at, ?TableAlias.updated_at) ASC")
	if due.Limit > 0 {
		query = query.Limit(due.Limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.InboundEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// update reads the row, lets mutate decide the next state and writes it back
// guarded by row_version. A concurrent writer forces a re-read so mutate
// always judges the latest state.
func (s *InboundEventStore) update(
	ctx context.Context,
	id string,
	mutate func(core.InboundEvent) (core.InboundEvent, bool),
) (core.InboundEvent, bool, error) {
	if s == nil || s.db == nil {
		return core.InboundEvent{}, false, fmt.Errorf("sqlstore: inbound event store is not configured")
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		record, err := s.find(ctx, id)
		if err != nil {
			return core.InboundEvent{}, false, err
		}
		next, ok := mutate(record.toDomain())
		if !ok {
			return record.toDomain(), false, nil
		}
		row := newInboundEventRecord(next, record.RowVersion+1)
		res, err := s.db.NewUpdate().
			Model(row).
			ExcludeColumn("id", "created_at").
			Where("id = ?", record.ID).
			Where("row_version = ?", record.RowVersion).
			Exec(ctx)
		if err != nil {
			return core.InboundEvent{}, false, err
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			return row.toDomain(), true, nil
		}
	}
	latest, err := s.Get(ctx, id)
	return latest, false, err
}

func (s *InboundEventStore) find(ctx context.Context, id string) (*inboundEventRecord, error) {
	record := &inboundEventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: inbound event %q: %w", id, core.ErrEventNotFound)
		}
		return nil, err
	}
	return record, nil
}

func (s *InboundEventStore) findDuplicate(ctx context.Context, event core.InboundEvent) (*inboundEventRecord, error) {
	if event.ExternalID != "" {
		record, err := s.findOne(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.tenant_id = ?", event.TenantID).
				Where("?TableAlias.source_type = ?", event.SourceType).
				Where("?TableAlias.external_id = ?", event.ExternalID)
		})
		if err != nil || record != nil {
			return record, err
		}
	}
	if event.DedupeKey != "" {
		return s.findOne(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.tenant_id = ?", event.TenantID).
				Where("?TableAlias.dedupe_key = ?", event.DedupeKey)
		})
	}
	return nil, nil
}

func (s *InboundEventStore) findOne(ctx context.Context, where func(*bun.SelectQuery) *bun.SelectQuery) (*inboundEventRecord, error) {
	record := &inboundEventRecord{}
	if err := where(s.db.NewSelect().Model(record)).Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}
