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

const lockRaceAttempts = 3

var errLockRace = errors.New("sqlstore: job lock changed concurrently")

// JobLedgerStore persists dedup locks and job runs. The lock row for
// (tenant, key) is the serialization point: writers race on its insert or on
// its row_version and the loser re-reads.
type JobLedgerStore struct {
	db   *bun.DB
	repo repository.Repository[*jobRunRecord]
}

func NewJobLedgerStore(db *bun.DB) (*JobLedgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo, err := newRepository(db, jobRunHandlers(), "job run")
	if err != nil {
		return nil, err
	}
	return &JobLedgerStore{db: db, repo: repo}, nil
}

func (s *JobLedgerStore) CreateIdempotentRun(ctx context.Context, in core.IdempotentRunInput) (core.JobRun, bool, error) {
	if s == nil || s.db == nil {
		return core.JobRun{}, false, fmt.Errorf("sqlstore: job ledger store is not configured")
	}
	if strings.TrimSpace(in.Run.IdempotencyKey) == "" {
		return core.JobRun{}, false, fmt.Errorf("sqlstore: idempotency key is required: %w", core.ErrInvalidInput)
	}
	if in.Now.IsZero() {
		in.Now = utcNow()
	}

	for attempt := 0; attempt < lockRaceAttempts; attempt++ {
		run, deduplicated, err := s.createIdempotentRun(ctx, in)
		if errors.Is(err, errLockRace) {
			continue
		}
		return run, deduplicated, err
	}
	return core.JobRun{}, false, fmt.Errorf("sqlstore: idempotency lock %q: %w", in.Run.IdempotencyKey, core.ErrConflict)
}

func (s *JobLedgerStore) createIdempotentRun(ctx context.Context, in core.IdempotentRunInput) (core.JobRun, bool, error) {
	var (
		out          core.JobRun
		deduplicated bool
	)
	run := in.Run
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		lock, err := findLockTx(ctx, tx, run.TenantID, run.IdempotencyKey)
		if err != nil {
			return err
		}
		if lock != nil && lock.ExpiresAt.After(in.Now) {
			live, err := latestLiveRunTx(ctx, tx, run.TenantID, run.IdempotencyKey, run.Type)
			if err != nil {
				return err
			}
			if live != nil {
				out = live.toDomain()
				deduplicated = true
				return nil
			}
		}

		if lock == nil {
			fresh := &jobLockRecord{
				TenantID:   run.TenantID,
				Key:        run.IdempotencyKey,
				ExpiresAt:  in.LockUntil,
				RowVersion: 1,
				CreatedAt:  in.Now,
				UpdatedAt:  in.Now,
			}
			if _, err := tx.NewInsert().Model(fresh).Exec(ctx); err != nil {
				if isUniqueViolation(err) {
					return errLockRace
				}
				return err
			}
		} else {
			res, err := tx.NewUpdate().
				Model((*jobLockRecord)(nil)).
				Set("expires_at = ?", in.LockUntil).
				Set("updated_at = ?", in.Now).
				Set("row_version = ?", lock.RowVersion+1).
				Where("tenant_id = ?", lock.TenantID).
				Where("lock_key = ?", lock.Key).
				Where("row_version = ?", lock.RowVersion).
				Exec(ctx)
			if err != nil {
				return err
			}
			if affected, _ := res.RowsAffected(); affected == 0 {
				return errLockRace
			}
		}

		record, err := insertRunTx(ctx, tx, run, in.Now)
		if err != nil {
			return err
		}
		out = record.toDomain()
		return nil
	})
	if err != nil {
		return core.JobRun{}, false, err
	}
	return out, deduplicated, nil
}

func (s *JobLedgerStore) CreateRun(ctx context.Context, run core.JobRun) (core.JobRun, error) {
	if s == nil || s.db == nil {
		return core.JobRun{}, fmt.Errorf("sqlstore: job ledger store is not configured")
	}
	record, err := insertRunTx(ctx, s.db, run, run.CreatedAt)
	if err != nil {
		return core.JobRun{}, err
	}
	return record.toDomain(), nil
}

func (s *JobLedgerStore) GetRun(ctx context.Context, id string) (core.JobRun, error) {
	if s == nil || s.db == nil {
		return core.JobRun{}, fmt.Errorf("sqlstore: job ledger store is not configured")
	}
	record, err := findRun(ctx, s.db, id)
	if err != nil {
		return core.JobRun{}, err
	}
	return record.toDomain(), nil
}

// ListRuns returns the runs recorded for one idempotency key, newest first.
func (s *JobLedgerStore) ListRuns(ctx context.Context, tenantID string, key string) ([]core.JobRun, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: job ledger store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("tenant_id", "=", strings.TrimSpace(tenantID)),
		repository.SelectBy("idempotency_key", "=", strings.TrimSpace(key)),
		repository.OrderBy("created_at DESC"),
	)
	if err != nil {
		return nil, err
	}
	runs := make([]core.JobRun, 0, len(records))
	for _, record := range records {
		runs = append(runs, record.toDomain())
	}
	return runs, nil
}

func (s *JobLedgerStore) ListStaleRuns(ctx context.Context, before time.Time, limit int) ([]core.JobRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: job ledger store is not configured")
	}
	var records []*jobRunRecord
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", string(core.JobRunStatusRunning)).
		Where("?TableAlias.updated_at <= ?", before.UTC()).
		OrderExpr("?TableAlias.updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	runs := make([]core.JobRun, 0, len(records))
	for _, record := range records {
		runs = append(runs, record.toDomain())
	}
	return runs, nil
}

func (s *JobLedgerStore) TransitionRun(ctx context.Context, transition core.JobRunTransition) (core.JobRun, bool, error) {
	if s == nil || s.db == nil {
		return core.JobRun{}, false, fmt.Errorf("sqlstore: job ledger store is not configured")
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		record, err := findRun(ctx, s.db, transition.ID)
		if err != nil {
			return core.JobRun{}, false, err
		}
		next, ok := core.ApplyJobRun(record.toDomain(), transition)
		if !ok {
			return record.toDomain(), false, nil
		}
		row := newJobRunRecord(next, record.RowVersion+1)
		res, err := s.db.NewUpdate().
			Model(row).
			ExcludeColumn("id", "created_at").
			Where("id = ?", record.ID).
			Where("row_version = ?", record.RowVersion).
			Exec(ctx)
		if err != nil {
			return core.JobRun{}, false, err
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			return row.toDomain(), true, nil
		}
	}
	latest, err := s.GetRun(ctx, transition.ID)
	return latest, false, err
}

func (s *JobLedgerStore) PurgeExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: job ledger store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*jobLockRecord)(nil)).
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func insertRunTx(ctx context.Context, db bun.IDB, run core.JobRun, now time.Time) (*jobRunRecord, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = core.JobRunStatusQueued
	}
	if now.IsZero() {
		now = utcNow()
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	record := newJobRunRecord(run, 1)
	if _, err := db.NewInsert().Model(record).Exec(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

func findLockTx(ctx context.Context, db bun.IDB, tenantID, key string) (*jobLockRecord, error) {
	lock := &jobLockRecord{}
	err := db.NewSelect().
		Model(lock).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.lock_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return lock, nil
}

func latestLiveRunTx(ctx context.Context, db bun.IDB, tenantID, key, jobType string) (*jobRunRecord, error) {
	live := core.LiveJobRunStatuses()
	statuses := make([]string, 0, len(live))
	for _, status := range live {
		statuses = append(statuses, string(status))
	}
	record := &jobRunRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.idempotency_key = ?", key).
		Where("?TableAlias.type = ?", jobType).
		Where("?TableAlias.status IN (?)", bun.In(statuses)).
		OrderExpr("?TableAlias.created_at DESC").
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

func findRun(ctx context.Context, db bun.IDB, id string) (*jobRunRecord, error) {
	record := &jobRunRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlstore: job run %q: %w", id, core.ErrRunNotFound)
		}
		return nil, err
	}
	return record, nil
}
