package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	EnvironmentDevelopment = "development"
	EnvironmentTest        = "test"
	EnvironmentStaging     = "staging"
	EnvironmentProduction  = "production"
)

const DefaultMaxWebhookBodyBytes int64 = 1 << 20

type VaultConfig struct {
	KeyEnvPrefix string `koanf:"key_env_prefix" mapstructure:"key_env_prefix"`
	RequireKey   bool   `koanf:"require_key" mapstructure:"require_key"`
}

type WebhookConfig struct {
	MaxBodyBytes     int64         `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
	SignatureHeader  string        `koanf:"signature_header" mapstructure:"signature_header"`
	SignaturePrefix  string        `koanf:"signature_prefix" mapstructure:"signature_prefix"`
	SecretKey        string        `koanf:"secret_key" mapstructure:"secret_key"`
	VerifyToken      string        `koanf:"verify_token" mapstructure:"verify_token"`
	ReplayWindow     time.Duration `koanf:"replay_window" mapstructure:"replay_window"`
	ReplayMaxEntries int           `koanf:"replay_max_entries" mapstructure:"replay_max_entries"`
}

type LedgerConfig struct {
	DefaultLockTTL     time.Duration            `koanf:"default_lock_ttl" mapstructure:"default_lock_ttl"`
	LockTTLs           map[string]time.Duration `koanf:"lock_ttls" mapstructure:"lock_ttls"`
	DefaultMaxAttempts int                      `koanf:"default_max_attempts" mapstructure:"default_max_attempts"`
	// RunLease is how long a RUNNING run may go untouched before another
	// worker reclaims it. Zero disables reclaiming.
	RunLease time.Duration `koanf:"run_lease" mapstructure:"run_lease"`
}

type InboundConfig struct {
	BackoffLadder  []time.Duration `koanf:"backoff_ladder" mapstructure:"backoff_ladder"`
	MaxAttempts    int             `koanf:"max_attempts" mapstructure:"max_attempts"`
	LockLease      time.Duration   `koanf:"lock_lease" mapstructure:"lock_lease"`
	SweepBatchSize int             `koanf:"sweep_batch_size" mapstructure:"sweep_batch_size"`
}

type OutboundConfig struct {
	BackoffLadder     []time.Duration `koanf:"backoff_ladder" mapstructure:"backoff_ladder"`
	MaxAttempts       int             `koanf:"max_attempts" mapstructure:"max_attempts"`
	LockLease         time.Duration   `koanf:"lock_lease" mapstructure:"lock_lease"`
	DefaultRetryAfter time.Duration   `koanf:"default_retry_after" mapstructure:"default_retry_after"`
	SweepBatchSize    int             `koanf:"sweep_batch_size" mapstructure:"sweep_batch_size"`
}

type Config struct {
	ServiceName string         `koanf:"service_name" mapstructure:"service_name"`
	Environment string         `koanf:"environment" mapstructure:"environment"`
	Vault       VaultConfig    `koanf:"vault" mapstructure:"vault"`
	Webhook     WebhookConfig  `koanf:"webhook" mapstructure:"webhook"`
	Ledger      LedgerConfig   `koanf:"ledger" mapstructure:"ledger"`
	Inbound     InboundConfig  `koanf:"inbound" mapstructure:"inbound"`
	Outbound    OutboundConfig `koanf:"outbound" mapstructure:"outbound"`
}

func DefaultBackoffLadder() []time.Duration {
	return []time.Duration{
		time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		time.Hour,
		6 * time.Hour,
	}
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "ingress",
		Environment: EnvironmentDevelopment,
		Vault: VaultConfig{
			KeyEnvPrefix: "INGRESS_MASTER_KEY",
		},
		Webhook: WebhookConfig{
			MaxBodyBytes:     DefaultMaxWebhookBodyBytes,
			SignatureHeader:  "X-Signature",
			SignaturePrefix:  "sha256=",
			SecretKey:        "webhook_secret",
			ReplayWindow:     5 * time.Minute,
			ReplayMaxEntries: 8192,
		},
		Ledger: LedgerConfig{
			DefaultLockTTL:     15 * time.Minute,
			LockTTLs:           map[string]time.Duration{},
			DefaultMaxAttempts: 5,
			RunLease:           15 * time.Minute,
		},
		Inbound: InboundConfig{
			BackoffLadder:  DefaultBackoffLadder(),
			MaxAttempts:    8,
			LockLease:      10 * time.Minute,
			SweepBatchSize: 100,
		},
		Outbound: OutboundConfig{
			BackoffLadder:     DefaultBackoffLadder(),
			MaxAttempts:       5,
			LockLease:         10 * time.Minute,
			DefaultRetryAfter: time.Minute,
			SweepBatchSize:    100,
		},
	}
}

// Persistent reports whether encrypted state must survive restarts, in which
// case the vault refuses to start without a configured master key.
func (c Config) Persistent() bool {
	if c.Vault.RequireKey {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case EnvironmentProduction, EnvironmentStaging:
		return true
	default:
		return false
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		return fmt.Errorf("core: webhook.max_body_bytes must be positive")
	}
	if c.Webhook.ReplayWindow <= 0 {
		return fmt.Errorf("core: webhook.replay_window must be positive")
	}
	if strings.TrimSpace(c.Webhook.SignatureHeader) == "" {
		return fmt.Errorf("core: webhook.signature_header is required")
	}
	if c.Ledger.DefaultLockTTL <= 0 {
		return fmt.Errorf("core: ledger.default_lock_ttl must be positive")
	}
	for jobType, ttl := range c.Ledger.LockTTLs {
		if ttl <= 0 {
			return fmt.Errorf("core: ledger.lock_ttls[%s] must be positive", jobType)
		}
	}
	if err := validateLadder("inbound", c.Inbound.BackoffLadder); err != nil {
		return err
	}
	if err := validateLadder("outbound", c.Outbound.BackoffLadder); err != nil {
		return err
	}
	if c.Outbound.MaxAttempts <= 0 {
		return fmt.Errorf("core: outbound.max_attempts must be positive")
	}
	return nil
}

func validateLadder(section string, ladder []time.Duration) error {
	if len(ladder) == 0 {
		return fmt.Errorf("core: %s.backoff_ladder is required", section)
	}
	for i, step := range ladder {
		if step <= 0 {
			return fmt.Errorf("core: %s.backoff_ladder[%d] must be positive", section, i)
		}
		if i > 0 && step < ladder[i-1] {
			return fmt.Errorf("core: %s.backoff_ladder must be non-decreasing", section)
		}
	}
	return nil
}

// LockTTL returns the dedup lock TTL for a job type.
func (c LedgerConfig) LockTTL(jobType string) time.Duration {
	if ttl, ok := c.LockTTLs[strings.TrimSpace(jobType)]; ok && ttl > 0 {
		return ttl
	}
	if c.DefaultLockTTL > 0 {
		return c.DefaultLockTTL
	}
	return DefaultConfig().Ledger.DefaultLockTTL
}
