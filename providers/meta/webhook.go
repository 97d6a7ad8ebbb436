// Package meta parses WhatsApp Cloud API, Messenger and Instagram webhook
// deliveries. All three sign the raw body with the app secret in
// X-Hub-Signature-256.
package meta

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/webhooks"
)

const (
	ChannelWhatsApp  = "whatsapp"
	ChannelMessenger = "messenger"
	ChannelInstagram = "instagram"

	HeaderSignature = "X-Hub-Signature-256"
	SignaturePrefix = "sha256="
)

var channelObjects = map[string]string{
	ChannelWhatsApp:  "whatsapp_business_account",
	ChannelMessenger: "page",
	ChannelInstagram: "instagram",
}

// Verifier matches the X-Hub-Signature-256 scheme.
func Verifier() webhooks.SignatureVerifier {
	return webhooks.SignatureVerifier{Header: HeaderSignature, Prefix: SignaturePrefix, Encoding: "hex"}
}

// Profile returns the channel profile for one of the Meta channels.
func Profile(channel string) (webhooks.ChannelProfile, error) {
	channel = strings.TrimSpace(strings.ToLower(channel))
	object, ok := channelObjects[channel]
	if !ok {
		return webhooks.ChannelProfile{}, fmt.Errorf("providers/meta: unknown channel %q", channel)
	}
	verifier := Verifier()
	return webhooks.ChannelProfile{Verifier: &verifier, Extractor: Extractor{Object: object}}, nil
}

type envelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string          `json:"id"`
	Time      json.Number     `json:"time"`
	Changes   []change        `json:"changes"`
	Messaging []messagingItem `json:"messaging"`
}

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Statuses []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"statuses"`
}

type messagingItem struct {
	Message struct {
		Mid string `json:"mid"`
	} `json:"message"`
}

// Extractor routes on the business account or page id and dedupes on the
// first message id. Status callbacks dedupe on message id plus status, and
// anything else on entry id plus entry time.
type Extractor struct {
	// Object is the expected top-level "object". Empty accepts any.
	Object string
}

func (x Extractor) Extract(_ map[string]string, body []byte) (webhooks.Envelope, error) {
	payload := map[string]any{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return webhooks.Envelope{}, fmt.Errorf("providers/meta: body is not a json object: %w", core.ErrInvalidInput)
	}
	var parsed envelope
	if err := json.Unmarshal(body, &parsed); err != nil {
		return webhooks.Envelope{}, fmt.Errorf("providers/meta: parse envelope: %w", core.ErrInvalidInput)
	}
	object := strings.TrimSpace(strings.ToLower(parsed.Object))
	if x.Object != "" && object != x.Object {
		return webhooks.Envelope{}, fmt.Errorf("providers/meta: object %q, want %q: %w", object, x.Object, core.ErrInvalidInput)
	}
	if len(parsed.Entry) == 0 {
		return webhooks.Envelope{}, fmt.Errorf("providers/meta: delivery has no entries: %w", core.ErrInvalidInput)
	}

	first := parsed.Entry[0]
	out := webhooks.Envelope{Payload: payload, ExternalRef: strings.TrimSpace(first.ID)}
	for _, ch := range first.Changes {
		if id := strings.TrimSpace(ch.Value.Metadata.PhoneNumberID); id != "" {
			out.ExternalRef = id
		}
		if len(ch.Value.Messages) > 0 {
			out.EventID = strings.TrimSpace(ch.Value.Messages[0].ID)
		} else if len(ch.Value.Statuses) > 0 {
			status := ch.Value.Statuses[0]
			out.EventID = strings.TrimSpace(status.ID) + ":" + strings.TrimSpace(status.Status)
		}
		if out.EventID != "" {
			break
		}
	}
	if out.EventID == "" {
		for _, item := range first.Messaging {
			if mid := strings.TrimSpace(item.Message.Mid); mid != "" {
				out.EventID = mid
				break
			}
		}
	}
	if out.EventID == "" && first.ID != "" {
		out.EventID = first.ID + ":" + entryTime(first.Time)
	}
	return out, nil
}

func entryTime(raw json.Number) string {
	if raw == "" {
		return "0"
	}
	if n, err := raw.Int64(); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return raw.String()
}

var _ webhooks.EnvelopeExtractor = Extractor{}
