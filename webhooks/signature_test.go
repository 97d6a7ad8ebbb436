package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/goliatone/go-ingress/core"
	"github.com/redis/go-redis/v9"
)

func TestSignatureVerifierRoundTrip(t *testing.T) {
	verifier := NewSignatureVerifier(core.DefaultConfig().Webhook)
	body := []byte(`{"id":"1"}`)
	header := verifier.Sign("secret", body)
	if header[:7] != "sha256=" {
		t.Fatalf("expected prefixed signature, got %q", header)
	}
	signature, err := verifier.Signature(map[string]string{"x-signature": header})
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	if !verifier.Matches(signature, body, "secret") {
		t.Fatalf("expected signature to match")
	}
	if verifier.Matches(signature, body, "other") || verifier.Matches(signature, []byte("x"), "secret") {
		t.Fatalf("expected mismatches to fail")
	}
	if verifier.Matches("zz-not-hex", body, "secret") || verifier.Matches(signature, body, "") {
		t.Fatalf("expected malformed input to fail")
	}
	if _, err := verifier.Signature(map[string]string{"X-Signature": "sha256="}); !errors.Is(err, core.ErrSignatureMissing) {
		t.Fatalf("expected empty signature to count as missing, got %v", err)
	}
}

func TestSignatureVerifierBase64(t *testing.T) {
	verifier := SignatureVerifier{Header: "X-Hub-Signature", Encoding: "base64"}
	body := []byte("payload")
	header := verifier.Sign("k", body)
	signature, err := verifier.Signature(map[string]string{"X-Hub-Signature": header})
	if err != nil || !verifier.Matches(signature, body, "k") {
		t.Fatalf("expected base64 signature to verify, err=%v", err)
	}
}

func TestMemoryReplayCacheWindowAndCapacity(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewMemoryReplayCache(time.Minute, 2)
	cache.Now = func() time.Time { return now }

	if fresh, _ := cache.Claim(ctx, "a", 0); !fresh {
		t.Fatalf("expected first claim to be fresh")
	}
	if fresh, _ := cache.Claim(ctx, "a", 0); fresh {
		t.Fatalf("expected repeat inside window to be a replay")
	}
	now = now.Add(time.Minute)
	if fresh, _ := cache.Claim(ctx, "a", 0); !fresh {
		t.Fatalf("expected claim after window to be fresh")
	}
	_, _ = cache.Claim(ctx, "b", 0)
	_, _ = cache.Claim(ctx, "c", 0)
	if cache.Len() != 2 {
		t.Fatalf("expected cache to stay bounded, got %d", cache.Len())
	}
	if err := cache.Release(ctx, "c"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if fresh, _ := cache.Claim(ctx, "c", 0); !fresh {
		t.Fatalf("expected released key to be fresh")
	}
	if _, err := cache.Claim(ctx, " ", 0); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
}

func TestRedisReplayCacheSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	first := NewRedisReplayCache(client, "", time.Minute)
	second := NewRedisReplayCache(client, "", time.Minute)
	if fresh, err := first.Claim(ctx, "whatsapp:evt-1", 0); err != nil || !fresh {
		t.Fatalf("expected fresh claim, got %v %v", fresh, err)
	}
	if fresh, err := second.Claim(ctx, "whatsapp:evt-1", 0); err != nil || fresh {
		t.Fatalf("expected replay on second instance, got %v %v", fresh, err)
	}
	mr.FastForward(2 * time.Minute)
	if fresh, _ := second.Claim(ctx, "whatsapp:evt-1", 0); !fresh {
		t.Fatalf("expected key to expire with the window")
	}
	if err := second.Release(ctx, "whatsapp:evt-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if fresh, _ := first.Claim(ctx, "whatsapp:evt-1", 0); !fresh {
		t.Fatalf("expected released key to be fresh")
	}
}

func TestJSONEnvelopeExtractor(t *testing.T) {
	extractor := JSONEnvelopeExtractor{}
	cases := []struct {
		name    string
		headers map[string]string
		body    string
		eventID string
		ref     string
	}{
		{"event_id", nil, `{"event_id":"e1","external_ref":"r1"}`, "e1", "r1"},
		{"id", nil, `{"id":42,"account_id":"a1"}`, "42", "a1"},
		{"entry", nil, `{"entry":[{"id":"wa-1"}],"object_id":"o1"}`, "wa-1", "o1"},
		{"header fallback", map[string]string{"X-Event-Id": "h1"}, `{"text":"x"}`, "h1", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			envelope, err := extractor.Extract(tc.headers, []byte(tc.body))
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if envelope.EventID != tc.eventID || envelope.ExternalRef != tc.ref {
				t.Fatalf("expected %q/%q, got %q/%q", tc.eventID, tc.ref, envelope.EventID, envelope.ExternalRef)
			}
		})
	}
	if _, err := extractor.Extract(nil, []byte(`[1,2]`)); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected non-object body to be rejected, got %v", err)
	}
}
