package sqlstore_test

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/inbound"
	"github.com/goliatone/go-ingress/ledger"
	ingressmigrations "github.com/goliatone/go-ingress/migrations"
	"github.com/goliatone/go-ingress/outbound"
	"github.com/goliatone/go-ingress/ratelimit"
	"github.com/goliatone/go-ingress/security"
	sqlstore "github.com/goliatone/go-ingress/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	var tableName string
	if err := client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"ingress_inbound_events",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	if tableName != "ingress_inbound_events" {
		t.Fatalf("expected ingress_inbound_events table, got %q", tableName)
	}
}

func TestIntegrationStoreCreateListAndDisable(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	store := factory.IntegrationStore()

	first, err := store.Create(ctx, core.IntegrationConfig{
		TenantID:    "t1",
		Provider:    "whatsapp",
		ExternalRef: "acct-1",
		Config:      map[string]any{"phone_number_id": "123"},
	})
	if err != nil {
		t.Fatalf("create integration: %v", err)
	}
	if first.Status != core.IntegrationStatusActive {
		t.Fatalf("expected default ACTIVE status, got %q", first.Status)
	}
	if _, err := store.Create(ctx, core.IntegrationConfig{TenantID: "t2", Provider: "whatsapp", ExternalRef: "acct-2"}); err != nil {
		t.Fatalf("create second integration: %v", err)
	}
	if _, err := store.Create(ctx, core.IntegrationConfig{ID: first.ID, TenantID: "t1", Provider: "whatsapp"}); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	routed, err := store.List(ctx, core.IntegrationFilter{Provider: "whatsapp", ExternalRef: "acct-1"})
	if err != nil {
		t.Fatalf("list integrations: %v", err)
	}
	if len(routed) != 1 || routed[0].ID != first.ID || routed[0].Config["phone_number_id"] != "123" {
		t.Fatalf("expected routing lookup to find acct-1 only, got %+v", routed)
	}

	disabled, err := store.UpdateStatus(ctx, first.ID, core.IntegrationStatusDisabled, "ops")
	if err != nil {
		t.Fatalf("disable integration: %v", err)
	}
	if disabled.Status != core.IntegrationStatusDisabled || disabled.UpdatedBy != "ops" {
		t.Fatalf("expected disabled integration, got %+v", disabled)
	}
	active, err := store.List(ctx, core.IntegrationFilter{Provider: "whatsapp", Status: core.IntegrationStatusActive})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].TenantID != "t2" {
		t.Fatalf("expected only t2 to remain active, got %+v", active)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrIntegrationNotFound) {
		t.Fatalf("expected integration not found, got %v", err)
	}
	if _, err := store.UpdateStatus(ctx, "missing", core.IntegrationStatusDisabled, "ops"); !errors.Is(err, core.ErrIntegrationNotFound) {
		t.Fatalf("expected integration not found on update, got %v", err)
	}
}

func TestSecretStoreRoundTripThroughVault(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	manager := newSecretManager(t, factory.SecretStore())

	if _, err := manager.Put(ctx, security.PutSecretInput{TenantID: "t1", IntegrationID: "i1", Key: "access_token", Value: "first"}); err != nil {
		t.Fatalf("put secret: %v", err)
	}
	if _, err := manager.Put(ctx, security.PutSecretInput{TenantID: "t1", IntegrationID: "i1", Key: "access_token", Value: "second"}); err != nil {
		t.Fatalf("overwrite secret: %v", err)
	}
	if _, err := manager.Put(ctx, security.PutSecretInput{TenantID: "t1", IntegrationID: "i1", Key: "app_secret", Value: "shh"}); err != nil {
		t.Fatalf("put second key: %v", err)
	}

	value, err := manager.Get(ctx, "t1", "i1", "access_token")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if value != "second" {
		t.Fatalf("expected overwritten value, got %q", value)
	}

	raw, err := factory.SecretStore().Get(ctx, "t1", "i1", "access_token")
	if err != nil {
		t.Fatalf("get ciphertext: %v", err)
	}
	if string(raw.Ciphertext) == "second" || raw.KeyVersion != 1 {
		t.Fatalf("expected ciphertext under key version 1, got %+v", raw)
	}

	keys, err := factory.SecretStore().ListKeys(ctx, "t1", "i1")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 2 || keys[0].Key != "access_token" || keys[1].Key != "app_secret" {
		t.Fatalf("expected two sorted keys, got %+v", keys)
	}

	if _, err := manager.Get(ctx, "t2", "i1", "access_token"); !errors.Is(err, core.ErrSecretMissing) {
		t.Fatalf("expected another tenant to miss the secret, got %v", err)
	}
	if err := manager.Delete(ctx, "t1", "i1", "access_token"); err != nil {
		t.Fatalf("delete secret: %v", err)
	}
	if err := manager.Delete(ctx, "t1", "i1", "access_token"); !errors.Is(err, core.ErrSecretMissing) {
		t.Fatalf("expected second delete to report missing secret, got %v", err)
	}
}

func TestInboundEventStoreDedupeIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).InboundEventStore()

	first, duplicate, err := store.Create(ctx, core.InboundEvent{TenantID: "t1", SourceType: "whatsapp", ExternalID: "wamid-1"})
	if err != nil || duplicate {
		t.Fatalf("expected fresh event, got duplicate=%v err=%v", duplicate, err)
	}
	again, duplicate, err := store.Create(ctx, core.InboundEvent{TenantID: "t1", SourceType: "whatsapp", ExternalID: "wamid-1"})
	if err != nil || !duplicate || again.ID != first.ID {
		t.Fatalf("expected duplicate of %s, got %+v duplicate=%v err=%v", first.ID, again, duplicate, err)
	}
	other, duplicate, err := store.Create(ctx, core.InboundEvent{TenantID: "t2", SourceType: "whatsapp", ExternalID: "wamid-1"})
	if err != nil || duplicate || other.ID == first.ID {
		t.Fatalf("expected another tenant to get its own event, got duplicate=%v err=%v", duplicate, err)
	}

	hashed, duplicate, err := store.Create(ctx, core.InboundEvent{TenantID: "t1", SourceType: "form", DedupeKey: "hash-1"})
	if err != nil || duplicate {
		t.Fatalf("expected fresh hashed event, got duplicate=%v err=%v", duplicate, err)
	}
	rehashed, duplicate, err := store.Create(ctx, core.InboundEvent{TenantID: "t1", SourceType: "form", DedupeKey: "hash-1"})
	if err != nil || !duplicate || rehashed.ID != hashed.ID {
		t.Fatalf("expected dedupe key to collapse, got duplicate=%v err=%v", duplicate, err)
	}

	events, total, err := store.List(ctx, core.InboundFilter{TenantID: "t1", Limit: 1})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if total != 2 || len(events) != 1 {
		t.Fatalf("expected page of 1 from 2 events, got %d of %d", len(events), total)
	}
}

func TestInboundEventStoreClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).InboundEventStore()
	event, _, err := store.Create(ctx, core.InboundEvent{TenantID: "t1", SourceType: "whatsapp", ExternalID: "e1"})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	now := time.Now().UTC()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			_, claimed, err := store.Claim(ctx, core.InboundClaim{ID: event.ID, WorkerID: worker, Now: now, StaleAfter: time.Minute})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				winners = append(winners, worker)
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one claim winner, got %v", winners)
	}

	stolen, applied, err := store.Transition(ctx, core.InboundTransition{
		ID:       event.ID,
		From:     []core.InboundStatus{core.InboundStatusProcessing},
		LockedBy: "intruder",
		To:       core.InboundStatusDone,
		Now:      now,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if applied || stolen.Status != core.InboundStatusProcessing {
		t.Fatalf("expected transition from a non-owner to be refused, got %+v", stolen)
	}

	done, applied, err := store.Transition(ctx, core.InboundTransition{
		ID:          event.ID,
		From:        []core.InboundStatus{core.InboundStatusProcessing},
		LockedBy:    winners[0],
		To:          core.InboundStatusDone,
		ClearLock:   true,
		ResultMeta:  map[string]any{"handled": true},
		ProcessedAt: core.TimePtr(now),
		Now:         now,
	})
	if err != nil || !applied {
		t.Fatalf("expected owner transition to apply, got applied=%v err=%v", applied, err)
	}
	if done.Status != core.InboundStatusDone || done.LockedBy != "" || done.ProcessedAt == nil {
		t.Fatalf("unexpected finished event %+v", done)
	}
	stored, err := store.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Status != core.InboundStatusDone {
		t.Fatalf("expected DONE persisted, got %q", stored.Status)
	}
}

func TestInboundEventStoreListDue(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).InboundEventStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed := func(externalID string, next time.Time) string {
		event, _, err := store.Create(ctx, core.InboundEvent{TenantID: "t1", SourceType: "whatsapp", ExternalID: externalID})
		if err != nil {
			t.Fatalf("create event: %v", err)
		}
		if _, applied, err := store.Transition(ctx, core.InboundTransition{
			ID:            event.ID,
			From:          []core.InboundStatus{core.InboundStatusReceived},
			To:            core.InboundStatusError,
			NextAttemptAt: core.TimePtr(next),
			Now:           now,
		}); err != nil || !applied {
			t.Fatalf("seed error state: applied=%v err=%v", applied, err)
		}
		return event.ID
	}
	late := seed("late", now.Add(-time.Minute))
	early := seed("early", now.Add(-time.Hour))
	seed("future", now.Add(time.Hour))

	due, err := store.ListDue(ctx, core.DueQuery{Now: now, Limit: 10})
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || due[0].ID != early || due[1].ID != late {
		t.Fatalf("expected early then late due events, got %+v", due)
	}
}

func TestInboundServiceProcessesThroughSQLStores(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	integration, err := factory.IntegrationStore().Create(ctx, core.IntegrationConfig{TenantID: "t1", Provider: "whatsapp"})
	if err != nil {
		t.Fatalf("create integration: %v", err)
	}
	registry := inbound.NewProcessorRegistry()
	calls := 0
	if err := registry.Register("whatsapp", inbound.ProcessorFunc(func(_ context.Context, pctx inbound.ProcessContext, event core.InboundEvent) inbound.ProcessResult {
		calls++
		return inbound.Succeeded(map[string]any{"tenant": pctx.TenantID})
	})); err != nil {
		t.Fatalf("register processor: %v", err)
	}
	svc, err := inbound.NewService(factory.InboundEventStore(), registry, inbound.WithIntegrations(factory.IntegrationStore()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	created, err := svc.CreateEvent(ctx, inbound.CreateEventInput{
		TenantID:      "t1",
		SourceType:    "whatsapp",
		IntegrationID: integration.ID,
		ExternalID:    "wamid-9",
		Payload:       map[string]any{"text": "hi"},
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	outcome, err := svc.Process(ctx, created.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !outcome.Claimed || outcome.Event.Status != core.InboundStatusDone {
		t.Fatalf("expected processed event, got %+v", outcome)
	}
	if _, err := svc.Process(ctx, created.ID); err != nil {
		t.Fatalf("second process: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected processor to run once, got %d", calls)
	}
}

func TestOutboundJobStoreDedupeCancelAndRetry(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	registry := outbound.NewProviderRegistry()
	if err := registry.Register("whatsapp.message", outbound.ProviderFunc(func(context.Context, outbound.SendContext, core.OutboundJob) outbound.SendResult {
		return outbound.TerminalFailure("INVALID_RECIPIENT", "bad number")
	})); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	svc, err := outbound.NewService(factory.OutboundJobStore(), registry)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	if _, _, err := factory.OutboundJobStore().Create(ctx, core.OutboundJob{TenantID: "t1", Type: "whatsapp.message"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected dedupe key to be required, got %v", err)
	}

	first, err := svc.CreateJob(ctx, outbound.CreateJobInput{TenantID: "t1", Type: "whatsapp.message", DedupeKey: "order-1"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	second, err := svc.CreateJob(ctx, outbound.CreateJobInput{TenantID: "t1", Type: "whatsapp.message", DedupeKey: "order-1"})
	if err != nil || !second.Duplicate || second.ID != first.ID {
		t.Fatalf("expected duplicate job, got %+v err=%v", second, err)
	}

	canceled, err := svc.Cancel(ctx, first.ID)
	if err != nil || canceled.Status != core.OutboundStatusCanceled || canceled.CanceledAt == nil {
		t.Fatalf("expected canceled job, got %+v err=%v", canceled, err)
	}
	if _, err := svc.Cancel(ctx, first.ID); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected second cancel to conflict, got %v", err)
	}

	failing, err := svc.CreateJob(ctx, outbound.CreateJobInput{TenantID: "t1", Type: "whatsapp.message", DedupeKey: "order-2"})
	if err != nil {
		t.Fatalf("create failing job: %v", err)
	}
	outcome, err := svc.Send(ctx, failing.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome.Job.Status != core.OutboundStatusFailed || outcome.Job.LastErrorCode != "INVALID_RECIPIENT" {
		t.Fatalf("expected terminal failure recorded, got %+v", outcome.Job)
	}
	retried, err := svc.Retry(ctx, failing.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != core.OutboundStatusQueued || retried.AttemptCount != 0 {
		t.Fatalf("expected job reset to QUEUED, got %+v", retried)
	}
}

func TestJobLedgerStoreDedupAndCrossTenant(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	l, err := ledger.New(factory.JobLedgerStore())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	first, err := l.Enqueue(ctx, ledger.EnqueueRequest{Type: "report.build", TenantID: "t1", IdempotencyKey: "k1"})
	if err != nil || first.Deduplicated {
		t.Fatalf("expected first enqueue to create a run, got %+v err=%v", first, err)
	}
	again, err := l.Enqueue(ctx, ledger.EnqueueRequest{Type: "report.build", TenantID: "t1", IdempotencyKey: "k1"})
	if err != nil || !again.Deduplicated || again.Run.ID != first.Run.ID {
		t.Fatalf("expected dedup onto %s, got %+v err=%v", first.Run.ID, again, err)
	}
	other, err := l.Enqueue(ctx, ledger.EnqueueRequest{Type: "report.build", TenantID: "t2", IdempotencyKey: "k1"})
	if err != nil || other.Deduplicated {
		t.Fatalf("expected another tenant to get its own run, got %+v err=%v", other, err)
	}

	failed, applied, err := factory.JobLedgerStore().TransitionRun(ctx, core.JobRunTransition{
		ID:        first.Run.ID,
		From:      []core.JobRunStatus{core.JobRunStatusQueued},
		To:        core.JobRunStatusFailed,
		LastError: core.StringPtr("boom"),
		Now:       time.Now().UTC(),
	})
	if err != nil || !applied || failed.Status != core.JobRunStatusFailed {
		t.Fatalf("expected run to fail, got %+v applied=%v err=%v", failed, applied, err)
	}
	fresh, err := l.Enqueue(ctx, ledger.EnqueueRequest{Type: "report.build", TenantID: "t1", IdempotencyKey: "k1"})
	if err != nil || fresh.Deduplicated || fresh.Run.ID == first.Run.ID {
		t.Fatalf("expected a failed run not to suppress a new one, got %+v err=%v", fresh, err)
	}

	runs, err := factory.JobLedgerStore().ListRuns(ctx, "t1", "k1")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected two runs for t1/k1, got %d", len(runs))
	}
}

func TestJobLedgerStoreConcurrentEnqueueCreatesOneRun(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).JobLedgerStore()
	now := time.Now().UTC()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created = map[string]struct{}{}
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, _, err := store.CreateIdempotentRun(ctx, core.IdempotentRunInput{
				Run:       core.JobRun{Type: "sync", TenantID: "t1", IdempotencyKey: "same"},
				LockUntil: now.Add(time.Hour),
				Now:       now,
			})
			if err != nil {
				t.Errorf("create idempotent run: %v", err)
				return
			}
			mu.Lock()
			created[run.ID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(created) != 1 {
		t.Fatalf("expected all callers to share one run, got %d", len(created))
	}
}

func TestJobLedgerStorePurgeExpiredLocks(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).JobLedgerStore()
	now := time.Now().UTC()

	for key, ttl := range map[string]time.Duration{"expired": -time.Minute, "live": time.Hour} {
		if _, _, err := store.CreateIdempotentRun(ctx, core.IdempotentRunInput{
			Run:       core.JobRun{Type: "sync", TenantID: "t1", IdempotencyKey: key},
			LockUntil: now.Add(ttl),
			Now:       now,
		}); err != nil {
			t.Fatalf("create run %s: %v", key, err)
		}
	}
	purged, err := store.PurgeExpiredLocks(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one expired lock purged, got %d", purged)
	}
}

func TestRateLimitStateStorePacesAcrossPacers(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).RateLimitStateStore()

	if _, err := store.Get(ctx, ratelimit.Key{TenantID: "t1", Provider: "whatsapp"}); !errors.Is(err, ratelimit.ErrStateNotFound) {
		t.Fatalf("expected state not found, got %v", err)
	}

	first := ratelimit.NewPacer(store)
	until, err := first.RecordRateLimited(ctx, ratelimit.Key{TenantID: "t1", Provider: "WhatsApp"}, 30*time.Second)
	if err != nil {
		t.Fatalf("record rate limited: %v", err)
	}
	second := ratelimit.NewPacer(store)
	err = second.BeforeSend(ctx, ratelimit.Key{TenantID: "t1", Provider: "whatsapp"})
	var throttled ratelimit.ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("expected another pacer to see the throttle, got %v", err)
	}
	if throttled.Until.Sub(until).Abs() > time.Millisecond {
		t.Fatalf("expected shared throttle until %s, got %s", until, throttled.Until)
	}
	if err := second.BeforeSend(ctx, ratelimit.Key{TenantID: "t2", Provider: "whatsapp"}); err != nil {
		t.Fatalf("expected other tenants unaffected, got %v", err)
	}

	if err := first.RecordSuccess(ctx, ratelimit.Key{TenantID: "t1", Provider: "whatsapp"}); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if err := second.BeforeSend(ctx, ratelimit.Key{TenantID: "t1", Provider: "whatsapp"}); err != nil {
		t.Fatalf("expected throttle cleared after success, got %v", err)
	}
}

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-ingress-tests"
}

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func newSecretManager(t *testing.T, store core.SecretStore) *security.SecretManager {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("key: %v", err)
	}
	vault, err := security.NewVault(map[int][]byte{1: key})
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	manager, err := security.NewSecretManager(vault, store)
	if err != nil {
		t.Fatalf("secret manager: %v", err)
	}
	return manager
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:ingress-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = ingressmigrations.Register(ctx, func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, ingressmigrations.DialectSQLite)
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}

func TestInboundServiceConcurrentCreateEventStoresOnce(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).InboundEventStore()
	svc, err := inbound.NewService(store, inbound.NewProcessorRegistry())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	const callers = 4
	var lookedUp sync.WaitGroup
	lookedUp.Add(callers)
	store.SetAfterDuplicateLookup(func() {
		lookedUp.Done()
		lookedUp.Wait()
	})

	results := make([]inbound.CreateEventResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.CreateEvent(ctx, inbound.CreateEventInput{
				TenantID:   "t1",
				SourceType: "whatsapp",
				ExternalID: "wamid-race",
				Payload:    map[string]any{"text": "hi"},
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i, result := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: expected no error, got %v", i, errs[i])
		}
		if result.ID != results[0].ID {
			t.Fatalf("expected all callers to see one event, got %s and %s", results[0].ID, result.ID)
		}
		if !result.Duplicate {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh create, got %d", fresh)
	}
	_, total, err := store.List(ctx, core.InboundFilter{TenantID: "t1"})
	if err != nil || total != 1 {
		t.Fatalf("expected one stored event, got %d err=%v", total, err)
	}
}

func TestOutboundServiceConcurrentCreateJobStoresOnce(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).OutboundJobStore()
	svc, err := outbound.NewService(store, outbound.NewProviderRegistry())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	const callers = 4
	var lookedUp sync.WaitGroup
	lookedUp.Add(callers)
	store.SetAfterDuplicateLookup(func() {
		lookedUp.Done()
		lookedUp.Wait()
	})

	results := make([]outbound.CreateJobResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.CreateJob(ctx, outbound.CreateJobInput{
				TenantID:  "t1",
				Type:      "whatsapp.message",
				DedupeKey: "reply-1",
			})
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i, result := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: expected no error, got %v", i, errs[i])
		}
		if result.ID != results[0].ID {
			t.Fatalf("expected all callers to see one job, got %s and %s", results[0].ID, result.ID)
		}
		if !result.Duplicate {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one fresh create, got %d", fresh)
	}
}

func TestInboundEventStoreListDueFindsStrandedAndAbandonedEvents(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).InboundEventStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)

	create := func(externalID string, at time.Time) core.InboundEvent {
		store.Now = func() time.Time { return at }
		event, _, err := store.Create(ctx, core.InboundEvent{TenantID: "t1", SourceType: "whatsapp", ExternalID: externalID})
		if err != nil {
			t.Fatalf("create %s: %v", externalID, err)
		}
		return event
	}
	claim := func(event core.InboundEvent, at time.Time) {
		if _, claimed, err := store.Claim(ctx, core.InboundClaim{ID: event.ID, WorkerID: "w", Now: at}); err != nil || !claimed {
			t.Fatalf("claim %s: claimed=%v err=%v", event.ExternalID, claimed, err)
		}
	}

	stranded := create("stranded", old)
	create("fresh", now.Add(-time.Minute))
	abandoned := create("abandoned", old)
	claim(abandoned, old.Add(time.Minute))
	held := create("held", old)
	claim(held, now.Add(-time.Minute))

	due, err := store.ListDue(ctx, core.DueQuery{Now: now, StaleAfter: 10 * time.Minute, Limit: 10})
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || due[0].ID != stranded.ID || due[1].ID != abandoned.ID {
		t.Fatalf("expected stranded then abandoned events, got %+v", due)
	}

	due, err = store.ListDue(ctx, core.DueQuery{Now: now, Limit: 10})
	if err != nil || len(due) != 0 {
		t.Fatalf("expected no lease to skip idle rows, got %d err=%v", len(due), err)
	}
}

func TestOutboundJobStoreListDueFindsStrandedAndAbandonedJobs(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).OutboundJobStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)

	create := func(key string, at time.Time) core.OutboundJob {
		store.Now = func() time.Time { return at }
		job, _, err := store.Create(ctx, core.OutboundJob{TenantID: "t1", Type: "whatsapp.message", DedupeKey: key})
		if err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
		return job
	}

	stranded := create("stranded", old)
	create("fresh", now.Add(-time.Minute))
	abandoned := create("abandoned", old)
	if _, claimed, err := store.Claim(ctx, core.OutboundClaim{ID: abandoned.ID, WorkerID: "w", Now: old.Add(time.Minute)}); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}

	due, err := store.ListDue(ctx, core.DueQuery{Now: now, StaleAfter: 10 * time.Minute, Limit: 10})
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || due[0].ID != stranded.ID || due[1].ID != abandoned.ID {
		t.Fatalf("expected stranded then abandoned jobs, got %+v", due)
	}
}

func TestJobLedgerStoreListStaleRuns(t *testing.T) {
	ctx := context.Background()
	store := newFactory(t).JobLedgerStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	start := func(at time.Time) core.JobRun {
		run, err := store.CreateRun(ctx, core.JobRun{Type: "inbound.process", TenantID: "t1", Status: core.JobRunStatusQueued, CreatedAt: at, UpdatedAt: at})
		if err != nil {
			t.Fatalf("create run: %v", err)
		}
		running, applied, err := store.TransitionRun(ctx, core.JobRunTransition{
			ID:   run.ID,
			From: []core.JobRunStatus{core.JobRunStatusQueued},
			To:   core.JobRunStatusRunning,
			Now:  at,
		})
		if err != nil || !applied {
			t.Fatalf("start run: applied=%v err=%v", applied, err)
		}
		return running
	}
	stale := start(now.Add(-time.Hour))
	start(now.Add(-time.Minute))

	runs, err := store.ListStaleRuns(ctx, now.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("list stale runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != stale.ID {
		t.Fatalf("expected only the abandoned run, got %+v", runs)
	}
}
