package ingress_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ingress "github.com/goliatone/go-ingress"
	"github.com/goliatone/go-ingress/adapters/gojob"
	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/inbound"
	ingressmigrations "github.com/goliatone/go-ingress/migrations"
	"github.com/goliatone/go-ingress/outbound"
	"github.com/goliatone/go-ingress/security"
	sqlstore "github.com/goliatone/go-ingress/store/sql"
	"github.com/goliatone/go-ingress/transport"
	"github.com/goliatone/go-ingress/webhooks"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type fifoQueue struct {
	mu       sync.Mutex
	messages []*job.ExecutionMessage
}

func (q *fifoQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return nil
}

func (q *fifoQueue) Dequeue(context.Context) (queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return fifoDelivery{msg: msg}, nil
}

type fifoDelivery struct {
	msg *job.ExecutionMessage
}

func (d fifoDelivery) Message() *job.ExecutionMessage              { return d.msg }
func (fifoDelivery) Ack(context.Context) error                     { return nil }
func (fifoDelivery) Nack(context.Context, queue.NackOptions) error { return nil }

type sqlitePersistenceConfig struct {
	dsn string
}

func (sqlitePersistenceConfig) GetDebug() bool                { return false }
func (sqlitePersistenceConfig) GetDriver() string             { return "sqlite3" }
func (c sqlitePersistenceConfig) GetServer() string           { return c.dsn }
func (sqlitePersistenceConfig) GetPingTimeout() time.Duration { return time.Second }
func (sqlitePersistenceConfig) GetOtelIdentifier() string     { return "go-ingress-composition" }

func newSQLiteFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	dsn := fmt.Sprintf("file:ingress-composition-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(sqlitePersistenceConfig{dsn: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if _, err := ingressmigrations.Register(ctx, func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, ingressmigrations.DialectSQLite); err != nil {
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

// An operator-facing composition: signed webhook over HTTP, SQL persistence,
// a go-job queue, a processor that answers through an HTTP provider, and
// Prometheus metrics on the same router.
func TestDownstreamComposition_WebhookToOutboundReplyOverSQL(t *testing.T) {
	ctx := context.Background()

	var delivered map[string]any
	var auth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&delivered)
		_, _ = w.Write([]byte(`{"id":"wamid-out-1"}`))
	}))
	defer upstream.Close()

	key := make([]byte, security.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("key: %v", err)
	}

	var rt *ingress.Runtime
	reply := inbound.ProcessorFunc(func(ctx context.Context, pctx inbound.ProcessContext, event core.InboundEvent) inbound.ProcessResult {
		created, err := rt.Outbound.CreateJob(ctx, outbound.CreateJobInput{
			TenantID:      pctx.TenantID,
			Type:          "whatsapp.send",
			IntegrationID: pctx.IntegrationID,
			DedupeKey:     "reply:" + event.ExternalID,
			Payload:       map[string]any{"to": event.Payload["from"], "text": "ack"},
		})
		if err != nil {
			return inbound.RetriableFailure(core.ServiceErrorInternal, err.Error())
		}
		return inbound.Succeeded(map[string]any{"reply_job_id": created.ID})
	})

	broker := &fifoQueue{}
	registry := prometheus.NewRegistry()
	cfg := ingress.DefaultConfig()
	cfg.ServiceName = "ingress-composition"

	var err error
	rt, err = ingress.New(cfg,
		ingress.WithRepositoryFactory(newSQLiteFactory(t)),
		ingress.WithKeySource(security.StaticKeySource{1: key}),
		ingress.WithQueue(broker, broker, gojob.RetryPolicy{MaxAttempts: 3}),
		ingress.WithPrometheus(registry),
		ingress.WithProcessor("whatsapp", reply),
		ingress.WithHTTPProvider("whatsapp.send", upstream.Client(), transport.HTTPProviderConfig{
			Endpoint: transport.StaticEndpoint(upstream.URL + "/v1/messages"),
		}),
	)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.Close()

	integration, err := rt.Stores.Integrations.Create(ctx, core.IntegrationConfig{
		TenantID:    "t1",
		Provider:    "whatsapp",
		ExternalRef: "acct-1",
	})
	if err != nil {
		t.Fatalf("create integration: %v", err)
	}
	for name, value := range map[string]string{
		cfg.Webhook.SecretKey:     "hook-secret",
		transport.DefaultTokenKey: "tok-1",
	} {
		if _, err := rt.Secrets.Put(ctx, security.PutSecretInput{
			TenantID:      "t1",
			IntegrationID: integration.ID,
			Key:           name,
			Value:         value,
		}); err != nil {
			t.Fatalf("put secret %s: %v", name, err)
		}
	}

	server := httptest.NewServer(rt.Handler())
	defer server.Close()

	body := []byte(`{"event_id":"wamid-in-1","account_id":"acct-1","from":"+15550001111","text":"hi"}`)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/webhooks/whatsapp", bytes.NewReader(body))
	req.Header.Set(cfg.Webhook.SignatureHeader, webhooks.NewSignatureVerifier(cfg.Webhook).Sign("hook-secret", body))
	res, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	var ack map[string]string
	_ = json.NewDecoder(res.Body).Decode(&ack)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || ack["status"] != string(webhooks.OutcomeAccepted) {
		t.Fatalf("expected accepted webhook, got %d %v", res.StatusCode, ack)
	}

	// inbound.process, then the outbound.send it scheduled.
	for i := 0; i < 2; i++ {
		handled, err := rt.Consumer.ConsumeOne(ctx)
		if err != nil || !handled {
			t.Fatalf("consume %d: handled=%v err=%v", i, handled, err)
		}
	}
	if handled, _ := rt.Consumer.ConsumeOne(ctx); handled {
		t.Fatalf("expected queue drained")
	}

	events, total, err := rt.Inbound.List(ctx, core.InboundFilter{TenantID: "t1"})
	if err != nil || total != 1 || events[0].Status != core.InboundStatusDone {
		t.Fatalf("expected one DONE inbound event, got %+v total=%d err=%v", events, total, err)
	}
	jobs, _, err := rt.Outbound.List(ctx, core.OutboundFilter{TenantID: "t1"})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected one reply job, got %+v err=%v", jobs, err)
	}
	if jobs[0].Status != core.OutboundStatusSent || jobs[0].ProviderMessageID != "wamid-out-1" {
		t.Fatalf("expected SENT reply, got %+v", jobs[0])
	}
	if auth != "Bearer tok-1" || delivered["to"] != "+15550001111" {
		t.Fatalf("unexpected upstream call auth=%q body=%v", auth, delivered)
	}

	metrics, err := server.Client().Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer metrics.Body.Close()
	exposition, _ := io.ReadAll(metrics.Body)
	for _, name := range []string{"ingress_webhook_handle_total", "ingress_outbound_send_total", "ingress_inbound_process_duration_ms"} {
		if !strings.Contains(string(exposition), name) {
			t.Fatalf("expected %s in exposition", name)
		}
	}
}

func TestDownstreamComposition_RejectsUnsignedWebhook(t *testing.T) {
	key := make([]byte, security.KeySize)
	_, _ = rand.Read(key)
	rt, err := ingress.New(ingress.DefaultConfig(), ingress.WithKeySource(security.StaticKeySource{1: key}))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.Close()

	server := httptest.NewServer(rt.Handler())
	defer server.Close()

	res, err := server.Client().Post(server.URL+"/webhooks/whatsapp", "application/json", strings.NewReader(`{"event_id":"e1"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	var ack map[string]string
	_ = json.NewDecoder(res.Body).Decode(&ack)
	if res.StatusCode != http.StatusForbidden || ack["code"] != core.ServiceErrorSignatureMissing {
		t.Fatalf("expected 403 signature missing, got %d %v", res.StatusCode, ack)
	}
}
