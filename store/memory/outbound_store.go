package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/google/uuid"
)

type OutboundJobStore struct {
	mu     sync.Mutex
	items  map[string]core.OutboundJob
	dedupe map[string]string
	Now    func() time.Time
}

func NewOutboundJobStore() *OutboundJobStore {
	return &OutboundJobStore{
		items:  map[string]core.OutboundJob{},
		dedupe: map[string]string{},
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *OutboundJobStore) Create(_ context.Context, job core.OutboundJob) (core.OutboundJob, bool, error) {
	if job.DedupeKey == "" {
		return core.OutboundJob{}, false, fmt.Errorf("memory: outbound dedupe key is required: %w", core.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := job.TenantID + "\x00" + job.DedupeKey
	if id, ok := s.dedupe[key]; ok {
		return cloneOutbound(s.items[id]), true, nil
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
	job = cloneOutbound(job)
	s.items[job.ID] = job
	s.dedupe[key] = job.ID
	return cloneOutbound(job), false, nil
}

func (s *OutboundJobStore) Get(_ context.Context, id string) (core.OutboundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.items[id]
	if !ok {
		return core.OutboundJob{}, fmt.Errorf("memory: outbound job %q: %w", id, core.ErrJobNotFound)
	}
	return cloneOutbound(job), nil
}

func (s *OutboundJobStore) List(_ context.Context, filter core.OutboundFilter) ([]core.OutboundJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]core.OutboundJob, 0)
	for _, job := range s.items {
		if filter.TenantID != "" && job.TenantID != filter.TenantID {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneOutbound(job))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (s *OutboundJobStore) Claim(_ context.Context, claim core.OutboundClaim) (core.OutboundJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.items[claim.ID]
	if !ok {
		return core.OutboundJob{}, false, fmt.Errorf("memory: outbound job %q: %w", claim.ID, core.ErrJobNotFound)
	}
	if !core.OutboundClaimable(job, claim.Now, claim.StaleAfter) {
		return cloneOutbound(job), false, nil
	}
	job.Status = core.OutboundStatusSending
	job.LockedBy = claim.WorkerID
	job.LockedAt = core.TimePtr(claim.Now)
	job.UpdatedAt = claim.Now
	s.items[job.ID] = job
	return cloneOutbound(job), true, nil
}

func (s *OutboundJobStore) Transition(_ context.Context, transition core.OutboundTransition) (core.OutboundJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.items[transition.ID]
	if !ok {
		return core.OutboundJob{}, false, fmt.Errorf("memory: outbound job %q: %w", transition.ID, core.ErrJobNotFound)
	}
	updated, applied := core.ApplyOutbound(job, transition)
	if !applied {
		return cloneOutbound(job), false, nil
	}
	s.items[updated.ID] = updated
	return cloneOutbound(updated), true, nil
}

func (s *OutboundJobStore) ListDue(_ context.Context, query core.DueQuery) ([]core.OutboundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]core.OutboundJob, 0)
	for _, job := range s.items {
		if core.OutboundDue(job, query.Now, query.StaleAfter) {
			due = append(due, cloneOutbound(job))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return dueAt(due[i].NextAttemptAt, due[i].LockedAt, due[i].UpdatedAt).
			Before(dueAt(due[j].NextAttemptAt, due[j].LockedAt, due[j].UpdatedAt))
	})
	return paginate(due, query.Limit, 0), nil
}

func cloneOutbound(in core.OutboundJob) core.OutboundJob {
	in.Payload = core.CopyAnyMap(in.Payload)
	in.RateLimitedUntil = core.CloneTime(in.RateLimitedUntil)
	in.NextAttemptAt = core.CloneTime(in.NextAttemptAt)
	in.LockedAt = core.CloneTime(in.LockedAt)
	in.SentAt = core.CloneTime(in.SentAt)
	in.CanceledAt = core.CloneTime(in.CanceledAt)
	return in
}

var _ core.OutboundJobStore = (*OutboundJobStore)(nil)
