package ingress

import (
	"context"

	"github.com/goliatone/go-ingress/core"
)

type Config = core.Config

type VaultConfig = core.VaultConfig
type WebhookConfig = core.WebhookConfig
type LedgerConfig = core.LedgerConfig
type InboundConfig = core.InboundConfig
type OutboundConfig = core.OutboundConfig

type ConfigProvider = core.ConfigProvider
type OptionsResolver = core.OptionsResolver

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Setup loads config through the configured provider, layers runtime on top
// of it and builds the runtime. Without WithConfigProvider the cfgx provider
// is used with an empty raw map, so runtime overrides the defaults directly.
func Setup(ctx context.Context, runtime Config, opts ...Option) (*Runtime, error) {
	o := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := core.LoadConfig(ctx, o.configProvider, o.optionsResolver, runtime)
	if err != nil {
		return nil, err
	}
	return New(cfg, append(opts, WithContext(ctx))...)
}

func (r *Runtime) Logger() core.Logger {
	if r == nil || r.logger == nil {
		return core.NewObserver(nil, nil).Logger()
	}
	return r.logger
}
