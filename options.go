package ingress

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-ingress/adapters/gojob"
	ingressprom "github.com/goliatone/go-ingress/adapters/prometheus"
	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/inbound"
	"github.com/goliatone/go-ingress/outbound"
	"github.com/goliatone/go-ingress/ratelimit"
	"github.com/goliatone/go-ingress/security"
	sqlstore "github.com/goliatone/go-ingress/store/sql"
	"github.com/goliatone/go-ingress/webhooks"
	"github.com/goliatone/go-job/queue"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

type Option func(*runtimeOptions)

type runtimeOptions struct {
	ctx            context.Context
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	metricsHandler http.Handler

	stores           Stores
	factory          *sqlstore.RepositoryFactory
	integrationCache repositorycache.CacheService
	keySource        security.KeySource

	enqueuer    queue.Enqueuer
	dequeuer    queue.Dequeuer
	retryPolicy gojob.RetryPolicy
	idleDelay   time.Duration
	workerID    string

	resolver  webhooks.SecretResolver
	replay    webhooks.ReplayCache
	extractor webhooks.EnvelopeExtractor
	channels  map[string]webhooks.ChannelProfile

	extensions    *ExtensionHooks
	processors    []processorBinding
	providers     []providerBinding
	httpProviders []httpProviderBinding

	rateLimits  ratelimit.StateStore
	redisReplay func(window time.Duration) webhooks.ReplayCache

	configProvider  core.ConfigProvider
	optionsResolver core.OptionsResolver
}

type processorBinding struct {
	sourceType string
	processor  inbound.Processor
}

type providerBinding struct {
	jobType  string
	provider outbound.Provider
}

// WithContext is used while loading vault keys and config.
func WithContext(ctx context.Context) Option {
	return func(o *runtimeOptions) {
		o.ctx = ctx
	}
}

func WithLogger(logger core.Logger) Option {
	return func(o *runtimeOptions) {
		o.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *runtimeOptions) {
		o.loggerProvider = provider
	}
}

func WithMetrics(recorder core.MetricsRecorder) Option {
	return func(o *runtimeOptions) {
		o.metrics = recorder
	}
}

// WithPrometheus records metrics on registry and serves them at /metrics.
func WithPrometheus(registry *prometheus.Registry, opts ...ingressprom.Option) Option {
	return func(o *runtimeOptions) {
		recorder := ingressprom.NewRecorder(registry, opts...)
		o.metrics = recorder
		o.metricsHandler = recorder.Handler()
	}
}

func WithStores(stores Stores) Option {
	return func(o *runtimeOptions) {
		o.stores = stores
	}
}

// WithRepositoryFactory runs every store on the bun-backed factory. It takes
// precedence over WithStores.
func WithRepositoryFactory(factory *sqlstore.RepositoryFactory) Option {
	return func(o *runtimeOptions) {
		o.factory = factory
	}
}

// WithIntegrationCache fronts integration lookups with a read-through cache.
func WithIntegrationCache(cacheService repositorycache.CacheService) Option {
	return func(o *runtimeOptions) {
		o.integrationCache = cacheService
	}
}

func WithKeySource(source security.KeySource) Option {
	return func(o *runtimeOptions) {
		o.keySource = source
	}
}

// WithQueue attaches a go-job broker. The enqueuer receives every run the
// ledger creates; the dequeuer, when set, feeds the runtime consumer.
func WithQueue(enqueuer queue.Enqueuer, dequeuer queue.Dequeuer, policy gojob.RetryPolicy) Option {
	return func(o *runtimeOptions) {
		o.enqueuer = enqueuer
		o.dequeuer = dequeuer
		o.retryPolicy = policy
	}
}

func WithIdleDelay(delay time.Duration) Option {
	return func(o *runtimeOptions) {
		o.idleDelay = delay
	}
}

func WithWorkerID(workerID string) Option {
	return func(o *runtimeOptions) {
		o.workerID = strings.TrimSpace(workerID)
	}
}

func WithSecretResolver(resolver webhooks.SecretResolver) Option {
	return func(o *runtimeOptions) {
		o.resolver = resolver
	}
}

func WithReplayCache(cache webhooks.ReplayCache) Option {
	return func(o *runtimeOptions) {
		o.replay = cache
	}
}

func WithEnvelopeExtractor(extractor webhooks.EnvelopeExtractor) Option {
	return func(o *runtimeOptions) {
		o.extractor = extractor
	}
}

// WithChannel gives one webhook channel its own signature scheme and
// envelope parser, e.g. meta.Profile or shopify.Profile.
func WithChannel(channel string, profile webhooks.ChannelProfile) Option {
	return func(o *runtimeOptions) {
		if o.channels == nil {
			o.channels = map[string]webhooks.ChannelProfile{}
		}
		o.channels[channel] = profile
	}
}

func WithProcessor(sourceType string, processor inbound.Processor) Option {
	return func(o *runtimeOptions) {
		o.processors = append(o.processors, processorBinding{sourceType: sourceType, processor: processor})
	}
}

func WithProvider(jobType string, provider outbound.Provider) Option {
	return func(o *runtimeOptions) {
		o.providers = append(o.providers, providerBinding{jobType: jobType, provider: provider})
	}
}

func WithExtensions(hooks *ExtensionHooks) Option {
	return func(o *runtimeOptions) {
		o.extensions = hooks
	}
}

func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(o *runtimeOptions) {
		o.configProvider = provider
	}
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(o *runtimeOptions) {
		o.optionsResolver = resolver
	}
}
