package meta

import (
	"errors"
	"testing"

	"github.com/goliatone/go-ingress/core"
)

func TestExtractor_WhatsAppMessage(t *testing.T) {
	body := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "waba-1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "pn-9"},
					"messages": [{"id": "wamid.A1", "from": "15551234567"}]
				}
			}]
		}]
	}`)
	profile, err := Profile(ChannelWhatsApp)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	envelope, err := profile.Extractor.Extract(nil, body)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if envelope.EventID != "wamid.A1" || envelope.ExternalRef != "pn-9" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
	if profile.Verifier.Header != HeaderSignature || profile.Verifier.Prefix != SignaturePrefix {
		t.Fatalf("unexpected verifier %+v", profile.Verifier)
	}
}

func TestExtractor_StatusCallbacksDedupePerStatus(t *testing.T) {
	delivered := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"waba-1","changes":[{"value":{"statuses":[{"id":"wamid.A1","status":"delivered"}]}}]}]}`)
	read := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"waba-1","changes":[{"value":{"statuses":[{"id":"wamid.A1","status":"read"}]}}]}]}`)

	x := Extractor{Object: "whatsapp_business_account"}
	first, err := x.Extract(nil, delivered)
	if err != nil {
		t.Fatalf("extract delivered: %v", err)
	}
	second, err := x.Extract(nil, read)
	if err != nil {
		t.Fatalf("extract read: %v", err)
	}
	if first.EventID == second.EventID {
		t.Fatalf("expected distinct ids per status, got %q", first.EventID)
	}
	if first.ExternalRef != "waba-1" {
		t.Fatalf("expected entry id as routing fallback, got %q", first.ExternalRef)
	}
}

func TestExtractor_MessengerAndEntryFallback(t *testing.T) {
	x := Extractor{Object: "page"}
	envelope, err := x.Extract(nil, []byte(`{"object":"page","entry":[{"id":"page-1","time":1700000000,"messaging":[{"message":{"mid":"m_1"}}]}]}`))
	if err != nil || envelope.EventID != "m_1" || envelope.ExternalRef != "page-1" {
		t.Fatalf("unexpected messenger envelope %+v err=%v", envelope, err)
	}
	envelope, err = x.Extract(nil, []byte(`{"object":"page","entry":[{"id":"page-1","time":1700000000,"changes":[{"field":"feed"}]}]}`))
	if err != nil || envelope.EventID != "page-1:1700000000" {
		t.Fatalf("expected entry fallback id, got %+v err=%v", envelope, err)
	}
}

func TestExtractor_RejectsWrongObjectAndEmptyDeliveries(t *testing.T) {
	x := Extractor{Object: "instagram"}
	for _, body := range []string{
		`{"object":"page","entry":[{"id":"p"}]}`,
		`{"object":"instagram","entry":[]}`,
		`[1,2]`,
	} {
		if _, err := x.Extract(nil, []byte(body)); !errors.Is(err, core.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %s, got %v", body, err)
		}
	}
	if _, err := Profile("telegram"); err == nil {
		t.Fatalf("expected unknown channel error")
	}
}
