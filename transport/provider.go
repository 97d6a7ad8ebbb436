package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingress/auth"
	"github.com/goliatone/go-ingress/core"
	"github.com/goliatone/go-ingress/outbound"
	"github.com/goliatone/go-ingress/ratelimit"
)

const (
	DefaultTokenKey       = auth.DefaultTokenKey
	DefaultMessageIDField = "id"
	HeaderIdempotencyKey  = "Idempotency-Key"
)

type SecretReader = auth.SecretReader

type HTTPProviderConfig struct {
	// Endpoint resolves the target URL for a job. Required.
	Endpoint func(job core.OutboundJob) (string, error)
	Method   string
	Headers  map[string]string
	// Secrets supplies credentials for the job's integration. Auth decides
	// how they are attached and defaults to a bearer token under TokenKey.
	Secrets        SecretReader
	Auth           auth.Strategy
	TokenKey       string
	MessageIDField string
	Timeout        time.Duration
}

// StaticEndpoint sends every job to url.
func StaticEndpoint(url string) func(core.OutboundJob) (string, error) {
	url = strings.TrimSpace(url)
	return func(core.OutboundJob) (string, error) {
		if url == "" {
			return "", fmt.Errorf("transport: endpoint is empty")
		}
		return url, nil
	}
}

// HTTPProvider posts the job payload as JSON and classifies the response
// into an outbound.SendResult.
type HTTPProvider struct {
	adapter *RESTAdapter
	config  HTTPProviderConfig
	Now     func() time.Time
}

func NewHTTPProvider(adapter *RESTAdapter, cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.Endpoint == nil {
		return nil, fmt.Errorf("transport: endpoint resolver is required")
	}
	if adapter == nil {
		adapter = NewRESTAdapter(nil)
	}
	if strings.TrimSpace(cfg.TokenKey) == "" {
		cfg.TokenKey = DefaultTokenKey
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.NewBearerStrategy(cfg.TokenKey)
	}
	if strings.TrimSpace(cfg.MessageIDField) == "" {
		cfg.MessageIDField = DefaultMessageIDField
	}
	if strings.TrimSpace(cfg.Method) == "" {
		cfg.Method = http.MethodPost
	}
	return &HTTPProvider{
		adapter: adapter,
		config:  cfg,
		Now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *HTTPProvider) Send(ctx context.Context, sctx outbound.SendContext, job core.OutboundJob) outbound.SendResult {
	endpoint, err := p.config.Endpoint(job)
	if err != nil {
		return outbound.TerminalFailure(core.ServiceErrorBadInput, err.Error())
	}
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return outbound.TerminalFailure(core.ServiceErrorBadInput, "payload is not JSON encodable: "+err.Error())
	}

	req := &auth.Request{
		TenantID:      sctx.TenantID,
		IntegrationID: sctx.IntegrationID,
		Method:        p.config.Method,
		URL:           endpoint,
		Headers: map[string]string{
			"Content-Type":       "application/json",
			HeaderIdempotencyKey: job.ID,
		},
		Body: body,
	}
	for key, value := range p.config.Headers {
		req.Headers[key] = value
	}
	if p.config.Secrets != nil {
		if err := auth.Apply(ctx, p.config.Auth, p.config.Secrets, req); err != nil {
			if auth.Terminal(err) {
				return outbound.TerminalFailure(core.ServiceErrorSecretMissing, err.Error())
			}
			return outbound.RetriableFailure(core.ServiceErrorInternal, err.Error())
		}
	}

	res, err := p.adapter.Do(ctx, Request{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
		Query:   req.Query,
		Body:    req.Body,
		Timeout: p.config.Timeout,
	})
	if err != nil {
		var rich *goerrors.Error
		if goerrors.As(err, &rich) && rich.Category == goerrors.CategoryBadInput {
			return outbound.TerminalFailure(core.ServiceErrorBadInput, err.Error())
		}
		return outbound.RetriableFailure(core.ServiceErrorSendFailed, err.Error())
	}
	return p.classify(res)
}

func (p *HTTPProvider) classify(res Response) outbound.SendResult {
	code := res.StatusCode
	switch {
	case code >= 200 && code < 300:
		return outbound.Sent(messageID(res, p.config.MessageIDField))
	case code == http.StatusTooManyRequests:
		seconds := 0
		if wait, ok := ratelimit.ParseRetryAfter(res.Headers, p.now()); ok {
			seconds = int(math.Ceil(wait.Seconds()))
		}
		return outbound.RateLimitedResult(seconds, fmt.Sprintf("provider responded %d", code))
	case code == http.StatusRequestTimeout || code >= 500:
		return outbound.RetriableFailure(httpCode(code), responseMessage(res))
	default:
		return outbound.TerminalFailure(httpCode(code), responseMessage(res))
	}
}

func (p *HTTPProvider) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now()
}

func messageID(res Response, field string) string {
	if len(res.Body) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(res.Body, &decoded); err == nil {
			if id, ok := decoded[field]; ok && id != nil {
				return strings.TrimSpace(fmt.Sprint(id))
			}
		}
	}
	return strings.TrimSpace(res.Headers["x-message-id"])
}

func httpCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// responseMessage keeps a bounded excerpt of the body for lastErrorMsg. JSON
// object bodies are PII-masked first.
func responseMessage(res Response) string {
	const limit = 256
	excerpt := strings.TrimSpace(string(res.Body))
	var decoded map[string]any
	if err := json.Unmarshal(res.Body, &decoded); err == nil {
		if masked, err := json.Marshal(core.MaskPII(decoded)); err == nil {
			excerpt = string(masked)
		}
	}
	if len(excerpt) > limit {
		excerpt = excerpt[:limit]
	}
	if excerpt == "" {
		return fmt.Sprintf("provider responded %d", res.StatusCode)
	}
	return fmt.Sprintf("provider responded %d: %s", res.StatusCode, excerpt)
}

var _ outbound.Provider = (*HTTPProvider)(nil)
