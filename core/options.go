package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed raw map, typically decoded from a file
// by the host application.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	return CopyAnyMap(l.Values), nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// LoadConfig loads configuration through provider and layers runtime
// overrides on top of it. Nil collaborators fall back to the cfgx provider and
// the go-options resolver.
func LoadConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, fmt.Errorf("core: load config: %w", err)
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	putString(layer, "service_name", cfg.ServiceName, includeZero)
	putString(layer, "environment", cfg.Environment, includeZero)

	vault := map[string]any{}
	putString(vault, "key_env_prefix", cfg.Vault.KeyEnvPrefix, includeZero)
	if includeZero || cfg.Vault.RequireKey {
		vault["require_key"] = cfg.Vault.RequireKey
	}
	putSection(layer, "vault", vault)

	webhook := map[string]any{}
	if includeZero || cfg.Webhook.MaxBodyBytes > 0 {
		webhook["max_body_bytes"] = cfg.Webhook.MaxBodyBytes
	}
	putString(webhook, "signature_header", cfg.Webhook.SignatureHeader, includeZero)
	putString(webhook, "signature_prefix", cfg.Webhook.SignaturePrefix, includeZero)
	putString(webhook, "secret_key", cfg.Webhook.SecretKey, includeZero)
	putString(webhook, "verify_token", cfg.Webhook.VerifyToken, includeZero)
	putDuration(webhook, "replay_window", cfg.Webhook.ReplayWindow, includeZero)
	putInt(webhook, "replay_max_entries", cfg.Webhook.ReplayMaxEntries, includeZero)
	putSection(layer, "webhook", webhook)

	ledger := map[string]any{}
	putDuration(ledger, "default_lock_ttl", cfg.Ledger.DefaultLockTTL, includeZero)
	putInt(ledger, "default_max_attempts", cfg.Ledger.DefaultMaxAttempts, includeZero)
	putDuration(ledger, "run_lease", cfg.Ledger.RunLease, includeZero)
	if includeZero || len(cfg.Ledger.LockTTLs) > 0 {
		ttls := make(map[string]any, len(cfg.Ledger.LockTTLs))
		for jobType, ttl := range cfg.Ledger.LockTTLs {
			ttls[jobType] = ttl
		}
		ledger["lock_ttls"] = ttls
	}
	putSection(layer, "ledger", ledger)

	inbound := map[string]any{}
	putLadder(inbound, cfg.Inbound.BackoffLadder, includeZero)
	putInt(inbound, "max_attempts", cfg.Inbound.MaxAttempts, includeZero)
	putDuration(inbound, "lock_lease", cfg.Inbound.LockLease, includeZero)
	putInt(inbound, "sweep_batch_size", cfg.Inbound.SweepBatchSize, includeZero)
	putSection(layer, "inbound", inbound)

	outbound := map[string]any{}
	putLadder(outbound, cfg.Outbound.BackoffLadder, includeZero)
	putInt(outbound, "max_attempts", cfg.Outbound.MaxAttempts, includeZero)
	putDuration(outbound, "lock_lease", cfg.Outbound.LockLease, includeZero)
	putDuration(outbound, "default_retry_after", cfg.Outbound.DefaultRetryAfter, includeZero)
	putInt(outbound, "sweep_batch_size", cfg.Outbound.SweepBatchSize, includeZero)
	putSection(layer, "outbound", outbound)

	return layer
}

func putString(target map[string]any, key string, value string, includeZero bool) {
	if includeZero || strings.TrimSpace(value) != "" {
		target[key] = value
	}
}

func putInt(target map[string]any, key string, value int, includeZero bool) {
	if includeZero || value > 0 {
		target[key] = value
	}
}

func putDuration(target map[string]any, key string, value time.Duration, includeZero bool) {
	if includeZero || value > 0 {
		target[key] = value
	}
}

func putLadder(target map[string]any, ladder []time.Duration, includeZero bool) {
	if includeZero || len(ladder) > 0 {
		target["backoff_ladder"] = append([]time.Duration(nil), ladder...)
	}
}

func putSection(layer map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		layer[key] = section
	}
}
