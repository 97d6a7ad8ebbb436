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

type InboundEventStore struct {
	mu       sync.Mutex
	items    map[string]core.InboundEvent
	external map[string]string
	dedupe   map[string]string
	Now      func() time.Time
}

func NewInboundEventStore() *InboundEventStore {
	return &InboundEventStore{
		items:    map[string]core.InboundEvent{},
		external: map[string]string{},
		dedupe:   map[string]string{},
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *InboundEventStore) Create(_ context.Context, event core.InboundEvent) (core.InboundEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var externalKey, dedupeKey string
	if event.ExternalID != "" {
		externalKey = event.TenantID + "\x00" + event.SourceType + "\x00" + event.ExternalID
		if id, ok := s.external[externalKey]; ok {
			return cloneInbound(s.items[id]), true, nil
		}
	}
	if event.DedupeKey != "" {
		dedupeKey = event.TenantID + "\x00" + event.DedupeKey
		if id, ok := s.dedupe[dedupeKey]; ok {
			return cloneInbound(s.items[id]), true, nil
		}
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
	event = cloneInbound(event)
	s.items[event.ID] = event
	if externalKey != "" {
		s.external[externalKey] = event.ID
	}
	if dedupeKey != "" {
		s.dedupe[dedupeKey] = event.ID
	}
	return cloneInbound(event), false, nil
}

func (s *InboundEventStore) Get(_ context.Context, id string) (core.InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.items[id]
	if !ok {
		return core.InboundEvent{}, fmt.Errorf("memory: inbound event %q: %w", id, core.ErrEventNotFound)
	}
	return cloneInbound(event), nil
}

func (s *InboundEventStore) List(_ context.Context, filter core.InboundFilter) ([]core.InboundEvent, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]core.InboundEvent, 0)
	for _, event := range s.items {
		if filter.TenantID != "" && event.TenantID != filter.TenantID {
			continue
		}
		if filter.SourceType != "" && event.SourceType != filter.SourceType {
			continue
		}
		if filter.Status != "" && event.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneInbound(event))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, filter.Limit, filter.Offset), len(matched), nil
}

func (s *InboundEventStore) Claim(_ context.Context, claim core.InboundClaim) (core.InboundEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.items[claim.ID]
	if !ok {
		return core.InboundEvent{}, false, fmt.Errorf("memory: inbound event %q: %w", claim.ID, core.ErrEventNotFound)
	}
	if !core.InboundClaimable(event, claim.Now, claim.StaleAfter) {
		return cloneInbound(event), false, nil
	}
	event.Status = core.InboundStatusProcessing
	event.LockedBy = claim.WorkerID
	event.LockedAt = core.TimePtr(claim.Now)
	event.UpdatedAt = claim.Now
	s.items[event.ID] = event
	return cloneInbound(event), true, nil
}

func (s *InboundEventStore) Transition(_ context.Context, transition core.InboundTransition) (core.InboundEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.items[transition.ID]
	if !ok {
		return core.InboundEvent{}, false, fmt.Errorf("memory: inbound event %q: %w", transition.ID, core.ErrEventNotFound)
	}
	updated, applied := core.ApplyInbound(event, transition)
	if !applied {
		return cloneInbound(event), false, nil
	}
	s.items[updated.ID] = updated
	return cloneInbound(updated), true, nil
}

func (s *InboundEventStore) ListDue(_ context.Context, query core.DueQuery) ([]core.InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]core.InboundEvent, 0)
	for _, event := range s.items {
		if core.InboundDue(event, query.Now, query.StaleAfter) {
			due = append(due, cloneInbound(event))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return dueAt(due[i].NextAttemptAt, due[i].LockedAt, due[i].UpdatedAt).
			Before(dueAt(due[j].NextAttemptAt, due[j].LockedAt, due[j].UpdatedAt))
	})
	return paginate(due, query.Limit, 0), nil
}

func cloneInbound(in core.InboundEvent) core.InboundEvent {
	in.Payload = core.CopyAnyMap(in.Payload)
	in.Meta = core.CopyAnyMap(in.Meta)
	in.NextAttemptAt = core.CloneTime(in.NextAttemptAt)
	in.LockedAt = core.CloneTime(in.LockedAt)
	in.ProcessedAt = core.CloneTime(in.ProcessedAt)
	return in
}

// dueAt orders sweep results: retry time first, then lock time, then the
// last update.
func dueAt(next *time.Time, locked *time.Time, updated time.Time) time.Time {
	switch {
	case next != nil:
		return *next
	case locked != nil:
		return *locked
	default:
		return updated
	}
}

func paginate[T any](items []T, limit int, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ core.InboundEventStore = (*InboundEventStore)(nil)
