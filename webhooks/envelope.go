package webhooks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/goliatone/go-ingress/core"
)

const HeaderEventID = "X-Event-Id"

// Envelope is the routing view of a delivery body.
type Envelope struct {
	EventID     string
	ExternalRef string
	Payload     map[string]any
}

type EnvelopeExtractor interface {
	Extract(headers map[string]string, body []byte) (Envelope, error)
}

type EnvelopeExtractorFunc func(headers map[string]string, body []byte) (Envelope, error)

func (f EnvelopeExtractorFunc) Extract(headers map[string]string, body []byte) (Envelope, error) {
	return f(headers, body)
}

// JSONEnvelopeExtractor reads event_id, id or entry[0].id for the event id
// and external_ref, account_id or object_id for the routing reference. The
// X-Event-Id header is used when the body carries no id.
type JSONEnvelopeExtractor struct{}

func (JSONEnvelopeExtractor) Extract(headers map[string]string, body []byte) (Envelope, error) {
	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Envelope{}, fmt.Errorf("webhooks: body is not a json object: %w", core.ErrInvalidInput)
	}
	envelope := Envelope{Payload: payload}
	envelope.EventID = firstString(payload, "event_id", "id")
	if envelope.EventID == "" {
		if entries, ok := payload["entry"].([]any); ok && len(entries) > 0 {
			if first, ok := entries[0].(map[string]any); ok {
				envelope.EventID = firstString(first, "id")
			}
		}
	}
	if envelope.EventID == "" {
		envelope.EventID = headerValue(headers, HeaderEventID)
	}
	envelope.ExternalRef = firstString(payload, "external_ref", "account_id", "object_id")
	return envelope, nil
}

func firstString(values map[string]any, keys ...string) string {
	for _, key := range keys {
		raw, ok := values[key]
		if !ok || raw == nil {
			continue
		}
		var value string
		switch typed := raw.(type) {
		case string:
			value = typed
		case json.Number:
			value = typed.String()
		case float64:
			value = strconv.FormatFloat(typed, 'f', -1, 64)
		default:
			value = fmt.Sprint(typed)
		}
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
