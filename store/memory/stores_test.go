package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-ingress/core"
)

func TestInboundEventStoreConcurrentDuplicateCreate(t *testing.T) {
	store := NewInboundEventStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, duplicates := 0, 0
	ids := map[string]struct{}{}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event, duplicate, err := store.Create(ctx, core.InboundEvent{
				TenantID:   "t1",
				SourceType: "lead_ads",
				ExternalID: "leadgen_1",
			})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[event.ID] = struct{}{}
			if duplicate {
				duplicates++
			} else {
				created++
			}
		}()
	}
	wg.Wait()

	if created != 1 || duplicates != 15 {
		t.Fatalf("expected one create and fifteen duplicates, got %d/%d", created, duplicates)
	}
	if len(ids) != 1 {
		t.Fatalf("expected every caller to see the same id, got %d ids", len(ids))
	}
}

func TestInboundEventStoreDedupeIsTenantScoped(t *testing.T) {
	store := NewInboundEventStore()
	ctx := context.Background()

	first, _, err := store.Create(ctx, core.InboundEvent{TenantID: "t1", SourceType: "s", DedupeKey: "hash"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, duplicate, err := store.Create(ctx, core.InboundEvent{TenantID: "t2", SourceType: "s", DedupeKey: "hash"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if duplicate || first.ID == second.ID {
		t.Fatalf("expected distinct events across tenants")
	}
}

func TestInboundEventStoreClaimIsExclusive(t *testing.T) {
	store := NewInboundEventStore()
	ctx := context.Background()
	event, _, _ := store.Create(ctx, core.InboundEvent{TenantID: "t1", SourceType: "s", ExternalID: "e1"})
	now := time.Now().UTC()

	if _, ok, err := store.Claim(ctx, core.InboundClaim{ID: event.ID, WorkerID: "w1", Now: now, StaleAfter: time.Minute}); err != nil || !ok {
		t.Fatalf("expected first claim to win, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := store.Claim(ctx, core.InboundClaim{ID: event.ID, WorkerID: "w2", Now: now, StaleAfter: time.Minute}); ok {
		t.Fatalf("expected second claim to lose")
	}
	if _, ok, _ := store.Claim(ctx, core.InboundClaim{ID: event.ID, WorkerID: "w2", Now: now.Add(2 * time.Minute), StaleAfter: time.Minute}); !ok {
		t.Fatalf("expected stale lease to be reclaimed")
	}
	if _, _, err := store.Claim(ctx, core.InboundClaim{ID: "missing", WorkerID: "w1", Now: now}); !errors.Is(err, core.ErrEventNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInboundEventStoreListDue(t *testing.T) {
	store := NewInboundEventStore()
	ctx := context.Background()
	now := time.Now().UTC()
	event, _, _ := store.Create(ctx, core.InboundEvent{TenantID: "t1", SourceType: "s", ExternalID: "e1"})
	store.Claim(ctx, core.InboundClaim{ID: event.ID, WorkerID: "w1", Now: now})
	store.Transition(ctx, core.InboundTransition{
		ID:            event.ID,
		From:          []core.InboundStatus{core.InboundStatusProcessing},
		To:            core.InboundStatusError,
		NextAttemptAt: core.TimePtr(now.Add(time.Minute)),
		ClearLock:     true,
		Now:           now,
	})

	due, _ := store.ListDue(ctx, core.DueQuery{Now: now, Limit: 10})
	if len(due) != 0 {
		t.Fatalf("expected nothing due yet, got %d", len(due))
	}
	due, _ = store.ListDue(ctx, core.DueQuery{Now: now.Add(time.Minute), Limit: 10})
	if len(due) != 1 || due[0].ID != event.ID {
		t.Fatalf("expected event to be due, got %#v", due)
	}
}

func TestOutboundJobStoreRequiresDedupeKey(t *testing.T) {
	store := NewOutboundJobStore()
	_, _, err := store.Create(context.Background(), core.OutboundJob{TenantID: "t1", Type: "SEND_MSG"})
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestJobLedgerStoreDedupAndCrossTenant(t *testing.T) {
	store := NewJobLedgerStore()
	ctx := context.Background()
	now := time.Now().UTC()
	input := func(tenant string) core.IdempotentRunInput {
		return core.IdempotentRunInput{
			Run:       core.JobRun{Type: "outbound.send", TenantID: tenant, IdempotencyKey: "k1"},
			LockUntil: now.Add(15 * time.Minute),
			Now:       now,
		}
	}

	first, dedup, err := store.CreateIdempotentRun(ctx, input("t1"))
	if err != nil || dedup {
		t.Fatalf("expected fresh run, dedup=%v err=%v", dedup, err)
	}
	second, dedup, err := store.CreateIdempotentRun(ctx, input("t1"))
	if err != nil || !dedup || second.ID != first.ID {
		t.Fatalf("expected deduplicated run %s, got %s dedup=%v err=%v", first.ID, second.ID, dedup, err)
	}
	other, dedup, _ := store.CreateIdempotentRun(ctx, input("t2"))
	if dedup || other.ID == first.ID {
		t.Fatalf("expected distinct run for another tenant")
	}

	store.TransitionRun(ctx, core.JobRunTransition{ID: first.ID, To: core.JobRunStatusFailed, Now: now})
	third, dedup, _ := store.CreateIdempotentRun(ctx, input("t1"))
	if dedup || third.ID == first.ID {
		t.Fatalf("expected a failed run not to block a new enqueue")
	}
}

func TestJobLedgerStorePurgeExpiredLocks(t *testing.T) {
	store := NewJobLedgerStore()
	ctx := context.Background()
	now := time.Now().UTC()
	store.CreateIdempotentRun(ctx, core.IdempotentRunInput{
		Run:       core.JobRun{Type: "x", TenantID: "t1", IdempotencyKey: "k"},
		LockUntil: now.Add(time.Second),
		Now:       now,
	})
	purged, err := store.PurgeExpiredLocks(ctx, now.Add(time.Minute))
	if err != nil || purged != 1 {
		t.Fatalf("expected one purged lock, got %d err=%v", purged, err)
	}
}
