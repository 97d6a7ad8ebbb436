package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/goliatone/go-ingress/core"
)

// SignatureVerifier checks an HMAC-SHA256 header against the raw body.
type SignatureVerifier struct {
	Header   string
	Prefix   string
	Encoding string // hex | base64
}

func NewSignatureVerifier(cfg core.WebhookConfig) SignatureVerifier {
	return SignatureVerifier{Header: cfg.SignatureHeader, Prefix: cfg.SignaturePrefix, Encoding: "hex"}
}

// Signature returns the header value with its prefix stripped, or
// core.ErrSignatureMissing.
func (v SignatureVerifier) Signature(headers map[string]string) (string, error) {
	header := headerValue(headers, v.Header)
	if header == "" {
		return "", fmt.Errorf("webhooks: %s header: %w", strings.TrimSpace(v.Header), core.ErrSignatureMissing)
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return "", fmt.Errorf("webhooks: %s header is empty: %w", strings.TrimSpace(v.Header), core.ErrSignatureMissing)
	}
	return signature, nil
}

// Matches reports whether signature is the digest of body under secret. The
// comparison is constant time.
func (v SignatureVerifier) Matches(signature string, body []byte, secret string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	var decoded []byte
	var err error
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(strings.ToLower(signature))
	}
	if err != nil {
		return false
	}
	return hmac.Equal(decoded, computeMAC(secret, body))
}

// Sign produces the header value a sender would attach for body.
func (v SignatureVerifier) Sign(secret string, body []byte) string {
	mac := computeMAC(secret, body)
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		return v.Prefix + base64.StdEncoding.EncodeToString(mac)
	default:
		return v.Prefix + hex.EncodeToString(mac)
	}
}

func computeMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	key = strings.TrimSpace(key)
	if value, ok := headers[key]; ok {
		return strings.TrimSpace(value)
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
