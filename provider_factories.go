package ingress

import (
	"strings"
	"time"

	"github.com/goliatone/go-ingress/outbound"
	"github.com/goliatone/go-ingress/ratelimit"
	"github.com/goliatone/go-ingress/security"
	"github.com/goliatone/go-ingress/transport"
	"github.com/goliatone/go-ingress/webhooks"
	"github.com/redis/go-redis/v9"
)

type httpProviderBinding struct {
	jobType string
	client  transport.HTTPDoer
	config  transport.HTTPProviderConfig
}

// WithHTTPProvider delivers jobType over HTTP. A config without Secrets reads
// bearer tokens from the runtime's secret manager.
func WithHTTPProvider(jobType string, client transport.HTTPDoer, cfg transport.HTTPProviderConfig) Option {
	return func(o *runtimeOptions) {
		o.httpProviders = append(o.httpProviders, httpProviderBinding{jobType: jobType, client: client, config: cfg})
	}
}

// WithRedis shares the replay window and provider throttle state across
// processes through client. Keys are namespaced under prefix.
func WithRedis(client redis.Cmdable, prefix string) Option {
	return func(o *runtimeOptions) {
		if client == nil {
			return
		}
		prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
		if prefix == "" {
			prefix = "ingress"
		}
		o.redisReplay = func(window time.Duration) webhooks.ReplayCache {
			return webhooks.NewRedisReplayCache(client, prefix+":replay:", window)
		}
		o.rateLimits = ratelimit.NewRedisStateStore(client, prefix+":ratelimit:")
	}
}

func buildHTTPProvider(binding httpProviderBinding, secrets *security.SecretManager) (outbound.Provider, error) {
	cfg := binding.config
	if cfg.Secrets == nil && secrets != nil {
		cfg.Secrets = secrets
	}
	return transport.NewHTTPProvider(transport.NewRESTAdapter(binding.client), cfg)
}
