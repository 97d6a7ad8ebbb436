// Package shopify parses Shopify webhook deliveries. Shopify signs the raw
// body with base64 HMAC-SHA256 and identifies the shop and delivery in
// headers.
package shopify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/webhooks"
)

const (
	Channel = "shopify"

	HeaderHMAC        = "X-Shopify-Hmac-Sha256"
	HeaderWebhookID   = "X-Shopify-Webhook-Id"
	HeaderShopDomain  = "X-Shopify-Shop-Domain"
	HeaderTopic       = "X-Shopify-Topic"
	HeaderTriggeredAt = "X-Shopify-Triggered-At"

	defaultMaxAge = 5 * time.Minute
)

type Config struct {
	// MaxAge drops deliveries triggered longer ago than this. Zero uses five
	// minutes; negative disables the check.
	MaxAge             time.Duration
	RequireTriggeredAt bool
	Now                func() time.Time
}

func Verifier() webhooks.SignatureVerifier {
	return webhooks.SignatureVerifier{Header: HeaderHMAC, Encoding: "base64"}
}

func Profile(cfg Config) webhooks.ChannelProfile {
	verifier := Verifier()
	return webhooks.ChannelProfile{Verifier: &verifier, Extractor: NewExtractor(cfg)}
}

// Extractor dedupes on X-Shopify-Webhook-Id and routes on the shop domain.
type Extractor struct {
	config Config
}

func NewExtractor(cfg Config) Extractor {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return Extractor{config: cfg}
}

func (x Extractor) Extract(headers map[string]string, body []byte) (webhooks.Envelope, error) {
	deliveryID := header(headers, HeaderWebhookID)
	if deliveryID == "" {
		return webhooks.Envelope{}, fmt.Errorf("providers/shopify: %s header is required: %w", HeaderWebhookID, core.ErrInvalidInput)
	}
	shop := strings.ToLower(header(headers, HeaderShopDomain))
	if shop == "" {
		return webhooks.Envelope{}, fmt.Errorf("providers/shopify: %s header is required: %w", HeaderShopDomain, core.ErrInvalidInput)
	}
	if err := x.checkTriggeredAt(header(headers, HeaderTriggeredAt)); err != nil {
		return webhooks.Envelope{}, err
	}

	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return webhooks.Envelope{}, fmt.Errorf("providers/shopify: body is not a json object: %w", core.ErrInvalidInput)
	}
	if topic := header(headers, HeaderTopic); topic != "" {
		payload["_topic"] = topic
	}
	return webhooks.Envelope{EventID: deliveryID, ExternalRef: shop, Payload: payload}, nil
}

func (x Extractor) checkTriggeredAt(raw string) error {
	if raw == "" {
		if x.config.RequireTriggeredAt {
			return fmt.Errorf("providers/shopify: %s header is required: %w", HeaderTriggeredAt, core.ErrInvalidInput)
		}
		return nil
	}
	if x.config.MaxAge < 0 {
		return nil
	}
	triggeredAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("providers/shopify: parse %s: %w", HeaderTriggeredAt, core.ErrInvalidInput)
	}
	delta := x.config.Now().Sub(triggeredAt.UTC())
	if delta < 0 {
		delta = -delta
	}
	if delta > x.config.MaxAge {
		return fmt.Errorf("providers/shopify: delivery triggered %s ago: %w", delta.Round(time.Second), core.ErrInvalidInput)
	}
	return nil
}

func header(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

var _ webhooks.EnvelopeExtractor = Extractor{}
