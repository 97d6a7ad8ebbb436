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

type OutboundJobStore struct {
	db   *bun.DB
	repo repository.Repository[*outboundJobRecord]
	Now  func() time.Time

	afterLookup func()
}

func NewOutboundJobStore(db *bun.DB) (*OutboundJobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, outboundJobHandlers(), "outbound job")
	if err != nil {
		return nil, err
	}
	return &OutboundJobStore{db: db, repo: repo, Now: utcNow}, nil
}

func (s *OutboundJobStore) Create(ctx context.Context, job core.OutboundJob) (core.OutboundJob, bool, error) {
	if s == nil || s.db == nil {
		return core.OutboundJob{}, false, fmt.Errorf("sqlstore: outbound job store is not configured")
	}
	if strings.TrimSpace(job.DedupeKey) == "" {
		return core.OutboundJob{}, false, fmt.Errorf("sqlstore: outbound dedupe key is required: %w", core.ErrInvalidInput)
	}
	existing, err := s.findByDedupeKey(ctx, job.TenantID, job.DedupeKey)
	if err != nil {
		return core.OutboundJob{}, false, err
	}
	if existing != nil {
		return existing.toDomain(), true, nil
	}
	if s.afterLookup != nil {
		s.afterLookup()
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = core.OutboundStatusQueued
	}
	now := s.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	record := newOutboundJobRecord(job, 1)
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if !isUniqueViolation(err) {
			return core.OutboundJob{}, false, err
		}
		winner, lookupErr := s.findByDedupeKey(ctx, job.TenantID, job.DedupeKey)
		if lookupErr != nil {
			return core.OutboundJob{}, false, lookupErr
		}
		if winner == nil {
			return core.OutboundJob{}, false, fmt.Errorf("sqlstore: outbound job %q: %w", job.ID, core.ErrConflict)
		}
		return winner.toDomain(), true, nil
	}
	return record.toDomain(), false, nil
}

func (s *OutboundJobStore) Get(ctx context.Context, id string) (core.OutboundJob, error) {
	if s == nil || s.db == nil {
		return core.OutboundJob{}, fmt.Errorf("sqlstore: outbound job store is not configured")
	}
	record, err := s.find(ctx, id)
	if err != nil {
		return core.OutboundJob{}, err
	}
	return record.toDomain(), nil
}

func (s *OutboundJobStore) List(ctx context.Context, filter core.OutboundFilter) ([]core.OutboundJob, int, error) {
	if s == nil || s.repo == nil {
		return nil, 0, fmt.Errorf("sqlstore: outbound job store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at DESC"),
		repository.OrderBy("id DESC"),
	}
	if tenantID := strings.TrimSpace(filter.TenantID); tenantID != "" {
		selectors = append(selectors, repository.SelectBy("tenant_id", "=", tenantID))
	}
	if jobType := strings.TrimSpace(filter.Type); jobType != "" {
		selectors = append(selectors, repository.SelectBy("type", "=", jobType))
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
	jobs := make([]core.OutboundJob, 0, len(records))
	for _, record := range records {
		jobs = append(jobs, record.toDomain())
	}
	return jobs, total, nil
}

func (s *OutboundJobStore) Claim(ctx context.Context, claim core.OutboundClaim) (core.OutboundJob, bool, error) {
	return s.update(ctx, claim.ID, func(job core.OutboundJob) (core.OutboundJob, bool) {
		if !core.OutboundClaimable(job, claim.Now, claim.StaleAfter) {
			return job, false
		}
		job.Status = core.OutboundStatusSending
		job.LockedBy = claim.WorkerID
		job.LockedAt = core.TimePtr(claim.Now)
		job.UpdatedAt = claim.Now
		return job, true
	})
}

func (s *OutboundJobStore) Transition(ctx context.Context, transition core.OutboundTransition) (core.OutboundJob, bool, error) {
	return s.update(ctx, transition.ID, func(job core.OutboundJob) (core.OutboundJob, bool) {
		return core.ApplyOutbound(job, transition)
	})
}

// ListDue returns queued jobs whose retry or rate-limit pause has elapsed and,
// when the query carries a lease, unscheduled queued jobs idle past it and
// SENDING jobs whose lock outlived it.
func (s *OutboundJobStore) ListDue(ctx context.Context, due core.DueQuery) ([]core.OutboundJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: outbound job store is not configured")
	}
	now := due.Now.UTC()
	cutoff := due.StaleBefore()
	var records []*outboundJobRecord
	query := s.db.NewSelect().
		Model(&records).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			q = q.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("?TableAlias.status = ?", string(core.OutboundStatusQueued)).
					Where("?TableAlias.next_attempt_at IS NOT NULL").
					Where("?TableAlias.next_attempt_at <= ?", now)
			})
			if cutoff.IsZero() {
				return q
			}
			q = q.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("?TableAlias.status = ?", string(core.OutboundStatusQueued)).
					Where("?TableAlias.next_attempt_at IS NULL").
					Where("?TableAlias.updated_at <= ?", cutoff.UTC())
			})
			return q.WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("?TableAlias.status = ?", string(core.OutboundStatusSending)).
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
	jobs := make([]core.OutboundJob, 0, len(records))
	for _, record := range records {
		jobs = append(jobs, record.toDomain())
	}
	return jobs, nil
}

func (s *OutboundJobStore) update(
	ctx context.Context,
	id string,
	mutate func(core.OutboundJob) (core.OutboundJob, bool),
) (core.OutboundJob, bool, error) {
	if s == nil || s.db == nil {
		return core.OutboundJob{}, false, fmt.Errorf("sqlstore: outbound job store is not configured")
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		record, err := s.find(ctx, id)
		if err != nil {
			return core.OutboundJob{}, false, err
		}
		next, ok := mutate(record.toDomain())
		if !ok {
			return record.toDomain(), false, nil
		}
		row := newOutboundJobRecord(next, record.RowVersion+1)
		res, err := s.db.NewUpdate().
			Model(row).
			ExcludeColumn("id", "created_at").
			Where("id = ?", record.ID).
			Where("row_version = ?", record.RowVersion).
			Exec(ctx)
		if err != nil {
			return core.OutboundJob{}, false, err
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			return row.toDomain(), true, nil
		}
	}
	latest, err := s.Get(ctx, id)
	return latest, false, err
}

func (s *OutboundJobStore) find(ctx context.Context, id string) (*outboundJobRecord, error) {
	record := &outboundJobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: outbound job %q: %w", id, core.ErrJobNotFound)
		}
		return nil, err
	}
	return record, nil
}

func (s *OutboundJobStore) findByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*outboundJobRecord, error) {
	record := &outboundJobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.dedupe_key = ?", dedupeKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}
