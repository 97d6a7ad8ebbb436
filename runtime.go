package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ingress/adapters/gocommand"
	"github.com/goliatone/go-ingress/adapters/gojob"
	"github.com/goliatone/go-ingress/adapters/gologger"
	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/inbound"
	"github.com/goliatone/go-ingress/ledger"
	"github.com/goliatone/go-ingress/outbound"
	"github.com/goliatone/go-ingress/ratelimit"
	"github.com/goliatone/go-ingress/security"
	"github.com/goliatone/go-ingress/store/memory"
	sqlstore "github.com/goliatone/go-ingress/store/sql"
	"github.com/goliatone/go-ingress/webhooks"
)

// Stores bundles the persistence contracts the runtime runs on.
type Stores struct {
	Integrations core.IntegrationStore
	Secrets      core.SecretStore
	Inbound      core.InboundEventStore
	Outbound     core.OutboundJobStore
	Ledger       core.JobLedgerStore
	RateLimits   ratelimit.StateStore
}

// MemoryStores returns single-process stores.
func MemoryStores() Stores {
	return Stores{
		Integrations: memory.NewIntegrationStore(),
		Secrets:      memory.NewSecretStore(),
		Inbound:      memory.NewInboundEventStore(),
		Outbound:     memory.NewOutboundJobStore(),
		Ledger:       memory.NewJobLedgerStore(),
		RateLimits:   ratelimit.NewMemoryStateStore(),
	}
}

// SQLStores returns the bun-backed stores of factory.
// durableSecrets reports whether ciphertext outlives the process. An
// ephemeral vault key would make such ciphertext unreadable after a restart.
func durableSecrets(secrets core.SecretStore) bool {
	_, inMemory := secrets.(*memory.SecretStore)
	return !inMemory
}

func SQLStores(factory *sqlstore.RepositoryFactory) (Stores, error) {
	if factory == nil || factory.DB() == nil {
		return Stores{}, fmt.Errorf("ingress: repository factory is not initialized")
	}
	return Stores{
		Integrations: factory.IntegrationStore(),
		Secrets:      factory.SecretStore(),
		Inbound:      factory.InboundEventStore(),
		Outbound:     factory.OutboundJobStore(),
		Ledger:       factory.JobLedgerStore(),
		RateLimits:   factory.RateLimitStateStore(),
	}, nil
}

func (s Stores) withDefaults() Stores {
	defaults := MemoryStores()
	if s.Integrations == nil {
		s.Integrations = defaults.Integrations
	}
	if s.Secrets == nil {
		s.Secrets = defaults.Secrets
	}
	if s.Inbound == nil {
		s.Inbound = defaults.Inbound
	}
	if s.Outbound == nil {
		s.Outbound = defaults.Outbound
	}
	if s.Ledger == nil {
		s.Ledger = defaults.Ledger
	}
	if s.RateLimits == nil {
		s.RateLimits = defaults.RateLimits
	}
	return s
}

// Runtime is the assembled ingress pipeline: vault, ledger, inbound and
// outbound services, webhook ingress and the optional queue consumer.
type Runtime struct {
	Config   core.Config
	Observer *core.Observer
	Stores   Stores
	Vault    *security.Vault
	Secrets  *security.SecretManager
	Ledger   *ledger.Ledger
	Inbound  *inbound.Service
	Outbound *outbound.Service
	Pacer    *ratelimit.Pacer
	Ingress  *webhooks.Ingress
	// Consumer is nil unless a dequeuer was configured.
	Consumer *gojob.Consumer

	logger   core.Logger
	metrics  http.Handler
	commands Commands
	queries  Queries
	bundles  map[string]any

	mu            sync.Mutex
	subscriptions []*gocommand.Subscriptions
}

// New builds a runtime from a resolved config. Missing stores default to the
// in-memory implementations and a missing queue leaves the ledger in
// record-only mode, where runs are executed through Ledger.Execute.
func New(cfg core.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ingress: invalid config: %w", err)
	}
	o := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	_, logger := gologger.Resolve(loggerName(cfg), o.loggerProvider, o.logger)
	observer := core.NewObserver(logger, o.metrics)

	stores := o.stores
	if o.factory != nil {
		sqlStores, err := SQLStores(o.factory)
		if err != nil {
			return nil, err
		}
		stores = sqlStores
	}
	if o.rateLimits != nil {
		stores.RateLimits = o.rateLimits
	}
	stores = stores.withDefaults()
	if o.integrationCache != nil {
		cached, err := sqlstore.NewCachedIntegrationStore(stores.Integrations, o.integrationCache)
		if err != nil {
			return nil, fmt.Errorf("ingress: integration cache: %w", err)
		}
		stores.Integrations = cached
	}

	keySource := o.keySource
	if keySource == nil {
		keySource = security.NewEnvKeySource(cfg.Vault.KeyEnvPrefix)
	}
	vault, err := security.NewVaultFromSource(ctx, keySource, security.VaultOptions{
		Persistent: cfg.Persistent() || durableSecrets(stores.Secrets),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	secrets, err := security.NewSecretManager(vault, stores.Secrets)
	if err != nil {
		return nil, err
	}

	ledgerOpts := []ledger.Option{ledger.WithConfig(cfg.Ledger), ledger.WithObserver(observer)}
	if o.enqueuer != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithEnqueuer(gojob.NewEnqueuerAdapter(o.enqueuer)))
	}
	jobs, err := ledger.New(stores.Ledger, ledgerOpts...)
	if err != nil {
		return nil, err
	}

	processors := inbound.NewProcessorRegistry()
	for _, p := range o.processors {
		if err := processors.Register(p.sourceType, p.processor); err != nil {
			return nil, err
		}
	}
	if err := o.extensions.ApplyProcessorPacks(processors); err != nil {
		return nil, err
	}
	events, err := inbound.NewService(stores.Inbound, processors,
		inbound.WithIntegrations(stores.Integrations),
		inbound.WithScheduler(jobs),
		inbound.WithConfig(cfg.Inbound),
		inbound.WithObserver(observer),
		inbound.WithWorkerID(o.workerID),
	)
	if err != nil {
		return nil, err
	}

	pacer := ratelimit.NewPacer(stores.RateLimits)
	providers := outbound.NewProviderRegistry()
	for _, p := range o.providers {
		if err := providers.Register(p.jobType, p.provider); err != nil {
			return nil, err
		}
	}
	for _, binding := range o.httpProviders {
		provider, err := buildHTTPProvider(binding, secrets)
		if err != nil {
			return nil, err
		}
		if err := providers.Register(binding.jobType, provider); err != nil {
			return nil, err
		}
	}
	if err := o.extensions.ApplyProviderPacks(providers); err != nil {
		return nil, err
	}
	sends, err := outbound.NewService(stores.Outbound, providers,
		outbound.WithIntegrations(stores.Integrations),
		outbound.WithScheduler(jobs),
		outbound.WithPacer(pacer),
		outbound.WithConfig(cfg.Outbound),
		outbound.WithObserver(observer),
		outbound.WithWorkerID(o.workerID),
	)
	if err != nil {
		return nil, err
	}

	if err := jobs.RegisterStep(inbound.JobTypeProcess, events.Step()); err != nil {
		return nil, err
	}
	if err := jobs.RegisterStep(outbound.JobTypeSend, sends.Step()); err != nil {
		return nil, err
	}

	resolver := o.resolver
	if resolver == nil {
		tenantResolver := webhooks.NewTenantSecretResolver(stores.Integrations, secrets, cfg.Webhook.SecretKey)
		tenantResolver.Observer = observer
		resolver = tenantResolver
	}
	ingressOpts := []webhooks.Option{webhooks.WithObserver(observer)}
	switch {
	case o.replay != nil:
		ingressOpts = append(ingressOpts, webhooks.WithReplayCache(o.replay))
	case o.redisReplay != nil:
		ingressOpts = append(ingressOpts, webhooks.WithReplayCache(o.redisReplay(cfg.Webhook.ReplayWindow)))
	}
	if o.extractor != nil {
		ingressOpts = append(ingressOpts, webhooks.WithExtractor(o.extractor))
	}
	for _, channel := range sortedKeys(o.channels) {
		ingressOpts = append(ingressOpts, webhooks.WithChannel(channel, o.channels[channel]))
	}
	front, err := webhooks.NewIngress(cfg.Webhook, resolver, events, ingressOpts...)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:   cfg,
		Observer: observer,
		Stores:   stores,
		Vault:    vault,
		Secrets:  secrets,
		Ledger:   jobs,
		Inbound:  events,
		Outbound: sends,
		Pacer:    pacer,
		Ingress:  front,
		logger:   logger,
		metrics:  o.metricsHandler,
	}
	if o.dequeuer != nil {
		consumerOpts := []gojob.ConsumerOption{
			gojob.WithObserver(observer),
			gojob.WithHook(gojob.NewObserverHook(observer)),
		}
		if o.idleDelay > 0 {
			consumerOpts = append(consumerOpts, gojob.WithIdleDelay(o.idleDelay))
		}
		consumer, err := gojob.NewConsumer(gojob.NewDequeuerAdapter(o.dequeuer, o.retryPolicy), jobs, consumerOpts...)
		if err != nil {
			return nil, err
		}
		rt.Consumer = consumer
	}
	rt.commands = newCommands(rt)
	rt.queries = newQueries(rt)
	bundles, err := o.extensions.BuildHandlerBundles(rt)
	if err != nil {
		return nil, err
	}
	rt.bundles = bundles
	return rt, nil
}

// Bundle returns the handler bundle an extension registered under name.
func (r *Runtime) Bundle(name string) (any, bool) {
	if r == nil {
		return nil, false
	}
	bundle, ok := r.bundles[name]
	return bundle, ok
}

// Handler serves the webhook endpoints, the health check and, when a metrics
// handler was configured, /metrics.
func (r *Runtime) Handler() http.Handler {
	return webhooks.NewRouter(webhooks.RouterConfig{
		Ingress:     r.Ingress,
		VerifyToken: r.Config.Webhook.VerifyToken,
		Metrics:     r.metrics,
		Observer:    r.Observer,
	})
}

type SweepResult struct {
	InboundRequeued  int
	OutboundRequeued int
	RunsRequeued     int
	LocksPurged      int
}

// Sweep requeues due inbound and outbound work, including rows stranded by a
// failed hand-off or a crashed worker, hands abandoned ledger runs back to
// the queue and drops expired ledger locks. Hosts call it on a timer.
func (r *Runtime) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	var errs []error

	n, err := r.Inbound.RequeueDue(ctx, r.Config.Inbound.SweepBatchSize)
	result.InboundRequeued = n
	errs = append(errs, err)

	n, err = r.Outbound.RequeueDue(ctx, r.Config.Outbound.SweepBatchSize)
	result.OutboundRequeued = n
	errs = append(errs, err)

	n, err = r.Ledger.RequeueStale(ctx, r.Config.Inbound.SweepBatchSize)
	result.RunsRequeued = n
	errs = append(errs, err)

	n, err = r.Ledger.PurgeExpiredLocks(ctx)
	result.LocksPurged = n
	errs = append(errs, err)

	return result, errors.Join(errs...)
}

// Run consumes the queue and sweeps every interval until ctx is canceled.
func (r *Runtime) Run(ctx context.Context, sweepInterval time.Duration) error {
	if r.Consumer == nil {
		return fmt.Errorf("ingress: no queue dequeuer configured")
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
					r.Observer.Error(ctx, "ingress: sweep failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()

	err := r.Consumer.Run(ctx)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close drops every dispatcher subscription made by RegisterHandlers.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	subs := r.subscriptions
	r.subscriptions = nil
	r.mu.Unlock()
	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Close()
	}
}

func loggerName(cfg core.Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return gologger.DefaultLoggerName
}
