package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/google/uuid"
)

type JobLedgerStore struct {
	mu    sync.Mutex
	locks map[string]core.JobLock
	runs  map[string]core.JobRun
	order []string
}

func NewJobLedgerStore() *JobLedgerStore {
	return &JobLedgerStore{
		locks: map[string]core.JobLock{},
		runs:  map[string]core.JobRun{},
	}
}

func (s *JobLedgerStore) CreateIdempotentRun(_ context.Context, in core.IdempotentRunInput) (core.JobRun, bool, error) {
	run := in.Run
	if run.IdempotencyKey == "" {
		return core.JobRun{}, false, fmt.Errorf("memory: idempotency key is required: %w", core.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lockKey := run.TenantID + "\x00" + run.IdempotencyKey
	if lock, ok := s.locks[lockKey]; ok && lock.ExpiresAt.After(in.Now) {
		if live, found := s.latestLiveRun(run.TenantID, run.IdempotencyKey, run.Type); found {
			return live, true, nil
		}
	}

	lock, ok := s.locks[lockKey]
	if !ok {
		lock = core.JobLock{TenantID: run.TenantID, Key: run.IdempotencyKey, CreatedAt: in.Now}
	}
	lock.ExpiresAt = in.LockUntil
	lock.UpdatedAt = in.Now
	s.locks[lockKey] = lock

	return s.insertRun(run, in.Now), false, nil
}

func (s *JobLedgerStore) CreateRun(_ context.Context, run core.JobRun) (core.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRun(run, run.CreatedAt), nil
}

func (s *JobLedgerStore) GetRun(_ context.Context, id string) (core.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return core.JobRun{}, fmt.Errorf("memory: job run %q: %w", id, core.ErrRunNotFound)
	}
	return cloneRun(run), nil
}

func (s *JobLedgerStore) TransitionRun(_ context.Context, transition core.JobRunTransition) (core.JobRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[transition.ID]
	if !ok {
		return core.JobRun{}, false, fmt.Errorf("memory: job run %q: %w", transition.ID, core.ErrRunNotFound)
	}
	updated, applied := core.ApplyJobRun(run, transition)
	if !applied {
		return cloneRun(run), false, nil
	}
	s.runs[updated.ID] = updated
	return cloneRun(updated), true, nil
}

func (s *JobLedgerStore) PurgeExpiredLocks(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, lock := range s.locks {
		if !lock.ExpiresAt.After(now) {
			delete(s.locks, key)
			purged++
		}
	}
	return purged, nil
}

func (s *JobLedgerStore) ListStaleRuns(_ context.Context, before time.Time, limit int) ([]core.JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := make([]core.JobRun, 0)
	for _, id := range s.order {
		run := s.runs[id]
		if run.Status == core.JobRunStatusRunning && !run.UpdatedAt.After(before) {
			stale = append(stale, cloneRun(run))
		}
	}
	return paginate(stale, limit, 0), nil
}

func (s *JobLedgerStore) insertRun(run core.JobRun, now time.Time) core.JobRun {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = core.JobRunStatusQueued
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	run = cloneRun(run)
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	return cloneRun(run)
}

func (s *JobLedgerStore) latestLiveRun(tenantID, key, jobType string) (core.JobRun, bool) {
	live := core.LiveJobRunStatuses()
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if run.TenantID != tenantID || run.IdempotencyKey != key || run.Type != jobType {
			continue
		}
		if core.ContainsJobRunStatus(live, run.Status) {
			return cloneRun(run), true
		}
	}
	return core.JobRun{}, false
}

func cloneRun(in core.JobRun) core.JobRun {
	in.Payload = core.CopyAnyMap(in.Payload)
	return in
}

var _ core.JobLedgerStore = (*JobLedgerStore)(nil)
