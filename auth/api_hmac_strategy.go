package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTokenKey  = "access_token"
	DefaultAPIKeyKey = "api_key"
	DefaultHMACKey   = "hmac_secret"

	defaultAPIKeyHeader = "X-API-Key"
	defaultHMACHeader   = "X-Signature"
	defaultTimeHeader   = "X-Timestamp"
	defaultKeyIDHeader  = "X-Key-Id"
)

// APIKeyProfile says where a provider expects its key. QueryParam wins over
// Header when both are set.
type APIKeyProfile struct {
	Header     string
	Prefix     string
	QueryParam string
}

type APIKeyStrategyConfig struct {
	Kind      string
	Profile   APIKeyProfile
	SecretKey string
}

type APIKeyStrategy struct {
	config APIKeyStrategyConfig
}

func NewAPIKeyStrategy(cfg APIKeyStrategyConfig) *APIKeyStrategy {
	kind := strings.TrimSpace(strings.ToLower(cfg.Kind))
	if kind == "" {
		kind = KindAPIKey
	}
	profile := cfg.Profile
	if strings.TrimSpace(profile.Header) == "" {
		profile.Header = defaultAPIKeyHeader
	}
	if kind == KindPAT {
		if strings.EqualFold(profile.Header, defaultAPIKeyHeader) {
			profile.Header = "Authorization"
		}
		if strings.TrimSpace(profile.Prefix) == "" {
			profile.Prefix = "token"
		}
	}
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		secretKey = DefaultAPIKeyKey
	}
	return &APIKeyStrategy{
		config: APIKeyStrategyConfig{
			Kind:      kind,
			Profile:   profile,
			SecretKey: secretKey,
		},
	}
}

// NewPATStrategy sends a personal access token as "Authorization: token <pat>".
func NewPATStrategy(cfg APIKeyStrategyConfig) *APIKeyStrategy {
	cfg.Kind = KindPAT
	return NewAPIKeyStrategy(cfg)
}

func (s *APIKeyStrategy) Type() string {
	if s == nil {
		return KindAPIKey
	}
	return s.config.Kind
}

func (s *APIKeyStrategy) Apply(ctx context.Context, secrets SecretReader, req *Request) error {
	key, err := readSecret(ctx, secrets, req, s.config.SecretKey)
	if err != nil {
		return err
	}
	profile := s.config.Profile
	if param := strings.TrimSpace(profile.QueryParam); param != "" {
		req.Query[param] = key
		return nil
	}
	if prefix := strings.TrimSpace(profile.Prefix); prefix != "" {
		key = prefix + " " + key
	}
	req.Headers[profile.Header] = key
	return nil
}

type HMACStrategyConfig struct {
	SecretKey       string
	KeyID           string
	SignatureHeader string
	TimestampHeader string
	KeyIDHeader     string
	Now             func() time.Time
}

// HMACStrategy signs "<unix seconds>\n<METHOD>\n<path>\n<body>" with
// HMAC-SHA256 and sends the hex digest with a sha256= prefix.
type HMACStrategy struct {
	config HMACStrategyConfig
}

func NewHMACStrategy(cfg HMACStrategyConfig) *HMACStrategy {
	signatureHeader := strings.TrimSpace(cfg.SignatureHeader)
	if signatureHeader == "" {
		signatureHeader = defaultHMACHeader
	}
	timestampHeader := strings.TrimSpace(cfg.TimestampHeader)
	if timestampHeader == "" {
		timestampHeader = defaultTimeHeader
	}
	keyIDHeader := strings.TrimSpace(cfg.KeyIDHeader)
	if keyIDHeader == "" {
		keyIDHeader = defaultKeyIDHeader
	}
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		secretKey = DefaultHMACKey
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &HMACStrategy{
		config: HMACStrategyConfig{
			SecretKey:       secretKey,
			KeyID:           strings.TrimSpace(cfg.KeyID),
			SignatureHeader: signatureHeader,
			TimestampHeader: timestampHeader,
			KeyIDHeader:     keyIDHeader,
			Now:             now,
		},
	}
}

func (*HMACStrategy) Type() string { return KindHMAC }

func (s *HMACStrategy) Apply(ctx context.Context, secrets SecretReader, req *Request) error {
	secret, err := readSecret(ctx, secrets, req, s.config.SecretKey)
	if err != nil {
		return err
	}
	timestamp := strconv.FormatInt(s.config.Now().Unix(), 10)
	req.Headers[s.config.TimestampHeader] = timestamp
	req.Headers[s.config.SignatureHeader] = "sha256=" + Sign(secret, timestamp, req.Method, requestPath(req.URL), req.Body)
	if s.config.KeyID != "" {
		req.Headers[s.config.KeyIDHeader] = s.config.KeyID
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 digest HMACStrategy sends.
func Sign(secret string, timestamp string, method string, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + strings.ToUpper(method) + "\n" + path + "\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func requestPath(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Path == "" {
		return "/"
	}
	return parsed.Path
}
