package webhooks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/inbound"
)

type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeDroppedOversize   Outcome = "dropped_oversize"
	OutcomeDroppedReplay     Outcome = "dropped_replay"
	OutcomeDroppedUnroutable Outcome = "dropped_unroutable"
	OutcomeDroppedMalformed  Outcome = "dropped_malformed"
)

// Delivery is one raw webhook request. Channel names the provider the
// request arrived for.
type Delivery struct {
	Channel string
	Headers map[string]string
	Body    []byte
}

type Result struct {
	Outcome       Outcome
	EventID       string
	TenantID      string
	IntegrationID string
	ExternalID    string
}

// EventCreator is the inbound service surface the ingress writes to.
type EventCreator interface {
	CreateEvent(ctx context.Context, in inbound.CreateEventInput) (inbound.CreateEventResult, error)
}

type Ingress struct {
	config    core.WebhookConfig
	verifier  SignatureVerifier
	extractor EnvelopeExtractor
	resolver  SecretResolver
	replay    ReplayCache
	events    EventCreator
	observer  *core.Observer
	channels  map[string]ChannelProfile
	Now       func() time.Time
}

// ChannelProfile overrides how one channel's deliveries are authenticated
// and parsed. Nil fields fall back to the ingress defaults.
type ChannelProfile struct {
	Verifier  *SignatureVerifier
	Extractor EnvelopeExtractor
}

type Option func(*Ingress)

func WithChannel(channel string, profile ChannelProfile) Option {
	return func(i *Ingress) {
		channel = strings.TrimSpace(channel)
		if channel == "" {
			return
		}
		if i.channels == nil {
			i.channels = map[string]ChannelProfile{}
		}
		i.channels[channel] = profile
	}
}

func WithExtractor(extractor EnvelopeExtractor) Option {
	return func(i *Ingress) {
		if extractor != nil {
			i.extractor = extractor
		}
	}
}

func WithReplayCache(cache ReplayCache) Option {
	return func(i *Ingress) {
		if cache != nil {
			i.replay = cache
		}
	}
}

func WithVerifier(verifier SignatureVerifier) Option {
	return func(i *Ingress) {
		i.verifier = verifier
	}
}

func WithObserver(observer *core.Observer) Option {
	return func(i *Ingress) {
		if observer != nil {
			i.observer = observer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Ingress) {
		if now != nil {
			i.Now = now
		}
	}
}

func NewIngress(cfg core.WebhookConfig, resolver SecretResolver, events EventCreator, opts ...Option) (*Ingress, error) {
	if resolver == nil {
		return nil, fmt.Errorf("webhooks: secret resolver is required")
	}
	if events == nil {
		return nil, fmt.Errorf("webhooks: event creator is required")
	}
	defaults := core.DefaultConfig().Webhook
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if strings.TrimSpace(cfg.SignatureHeader) == "" {
		cfg.SignatureHeader = defaults.SignatureHeader
		cfg.SignaturePrefix = defaults.SignaturePrefix
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = defaults.ReplayWindow
	}
	in := &Ingress{
		config:    cfg,
		verifier:  NewSignatureVerifier(cfg),
		extractor: JSONEnvelopeExtractor{},
		resolver:  resolver,
		replay:    NewMemoryReplayCache(cfg.ReplayWindow, cfg.ReplayMaxEntries),
		events:    events,
		observer:  core.NewObserver(nil, nil),
		Now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(in)
		}
	}
	return in, nil
}

func (i *Ingress) Config() core.WebhookConfig {
	return i.config
}

func (i *Ingress) profile(channel string) (SignatureVerifier, EnvelopeExtractor) {
	verifier, extractor := i.verifier, i.extractor
	if profile, ok := i.channels[channel]; ok {
		if profile.Verifier != nil {
			verifier = *profile.Verifier
		}
		if profile.Extractor != nil {
			extractor = profile.Extractor
		}
	}
	return verifier, extractor
}

// Handle runs a delivery through the filter pipeline. Errors wrapping
// core.ErrSignatureMissing or core.ErrSignatureInvalid mean the sender
// could not be authenticated; any other error is internal.
func (i *Ingress) Handle(ctx context.Context, delivery Delivery) (Result, error) {
	startedAt := i.Now()
	channel := strings.TrimSpace(delivery.Channel)
	fields := map[string]any{
		"channel":    channel,
		"provider":   channel,
		"body_bytes": len(delivery.Body),
	}
	result, err := i.handle(ctx, channel, delivery, fields)
	fields["outcome"] = string(result.Outcome)
	if result.TenantID != "" {
		fields["tenant_id"] = result.TenantID
	}
	if result.EventID != "" {
		fields["event_id"] = result.EventID
	}
	i.observer.Observe(ctx, startedAt, "webhook.handle", err, fields)
	return result, err
}

func (i *Ingress) handle(ctx context.Context, channel string, delivery Delivery, fields map[string]any) (Result, error) {
	if channel == "" {
		return Result{}, fmt.Errorf("webhooks: channel is required: %w", core.ErrInvalidInput)
	}
	if int64(len(delivery.Body)) > i.config.MaxBodyBytes {
		i.observer.Warn(ctx, "webhooks: dropped oversize delivery", fields)
		return Result{Outcome: OutcomeDroppedOversize}, nil
	}

	verifier, extractor := i.profile(channel)
	signature, err := verifier.Signature(delivery.Headers)
	if err != nil {
		return Result{}, err
	}

	envelope, err := extractor.Extract(delivery.Headers, delivery.Body)
	if err != nil {
		fields["error"] = err.Error()
		i.observer.Warn(ctx, "webhooks: dropped malformed delivery", fields)
		return Result{Outcome: OutcomeDroppedMalformed}, nil
	}
	fields["external_id"] = envelope.EventID

	candidates, err := i.resolver.Candidates(ctx, channel, envelope.ExternalRef)
	if err != nil {
		return Result{}, err
	}
	if len(candidates) == 0 {
		fields["external_ref"] = envelope.ExternalRef
		fields["payload"] = core.MaskPII(envelope.Payload)
		i.observer.Warn(ctx, "webhooks: no integration for delivery", fields)
		return Result{Outcome: OutcomeDroppedUnroutable, ExternalID: envelope.EventID}, nil
	}
	var owner *Candidate
	for idx := range candidates {
		if verifier.Matches(signature, delivery.Body, candidates[idx].Secret) {
			owner = &candidates[idx]
			break
		}
	}
	if owner == nil {
		return Result{ExternalID: envelope.EventID}, fmt.Errorf(
			"webhooks: signature matched none of %d integration(s) on channel %q: %w",
			len(candidates), channel, core.ErrSignatureInvalid,
		)
	}
	result := Result{TenantID: owner.TenantID, IntegrationID: owner.IntegrationID, ExternalID: envelope.EventID}

	replayKey := ""
	if envelope.EventID != "" {
		replayKey = channel + ":" + envelope.EventID
		fresh, err := i.replay.Claim(ctx, replayKey, i.config.ReplayWindow)
		if err != nil {
			return result, fmt.Errorf("webhooks: replay check: %w", err)
		}
		if !fresh {
			result.Outcome = OutcomeDroppedReplay
			return result, nil
		}
	}

	created, err := i.events.CreateEvent(ctx, inbound.CreateEventInput{
		TenantID:      owner.TenantID,
		SourceType:    channel,
		Provider:      channel,
		IntegrationID: owner.IntegrationID,
		ExternalID:    envelope.EventID,
		Payload:       envelope.Payload,
		Meta: map[string]any{
			"channel":     channel,
			"received_at": i.Now().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		if replayKey != "" {
			// Let the provider's redelivery through.
			if releaseErr := i.replay.Release(ctx, replayKey); releaseErr != nil {
				i.observer.Warn(ctx, "webhooks: replay release failed", map[string]any{"error": releaseErr.Error()})
			}
		}
		return result, fmt.Errorf("webhooks: create event: %w", err)
	}
	result.EventID = created.ID
	if created.Duplicate {
		result.Outcome = OutcomeDuplicate
		return result, nil
	}
	result.Outcome = OutcomeAccepted
	fields["payload"] = core.MaskPII(envelope.Payload)
	i.observer.Debug(ctx, "webhooks: accepted delivery", fields)
	return result, nil
}
