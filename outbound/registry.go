package outbound

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-ingress/core"
)

type SendContext struct {
	TenantID      string
	IntegrationID string
	Attempt       int
}

// SendResult is a provider's verdict on one delivery attempt.
// RetryAfterSeconds only matters when RateLimited is set.
type SendResult struct {
	Success           bool
	ProviderMessageID string
	Retriable         bool
	RateLimited       bool
	RetryAfterSeconds int
	ErrorCode         string
	ErrorMessage      string
}

func Sent(providerMessageID string) SendResult {
	return SendResult{Success: true, ProviderMessageID: providerMessageID}
}

func RateLimitedResult(retryAfterSeconds int, message string) SendResult {
	return SendResult{
		RateLimited:       true,
		RetryAfterSeconds: retryAfterSeconds,
		ErrorCode:         core.ServiceErrorRateLimited,
		ErrorMessage:      message,
	}
}

func RetriableFailure(code string, message string) SendResult {
	return SendResult{Retriable: true, ErrorCode: code, ErrorMessage: message}
}

func TerminalFailure(code string, message string) SendResult {
	return SendResult{ErrorCode: code, ErrorMessage: message}
}

type Provider interface {
	Send(ctx context.Context, sctx SendContext, job core.OutboundJob) SendResult
}

type ProviderFunc func(ctx context.Context, sctx SendContext, job core.OutboundJob) SendResult

func (f ProviderFunc) Send(ctx context.Context, sctx SendContext, job core.OutboundJob) SendResult {
	return f(ctx, sctx, job)
}

type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: map[string]Provider{}}
}

func (r *ProviderRegistry) Register(jobType string, provider Provider) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return outboundBadInput("outbound: job type is required", nil)
	}
	if provider == nil {
		return outboundBadInput("outbound: provider is nil", map[string]any{"job_type": jobType})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[jobType]; exists {
		return outboundConflict(
			fmt.Sprintf("outbound: provider already registered for job type %q", jobType),
			map[string]any{"job_type": jobType},
		)
	}
	r.providers[jobType] = provider
	return nil
}

func (r *ProviderRegistry) Get(jobType string) (Provider, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[strings.TrimSpace(jobType)]
	return provider, ok
}

func (r *ProviderRegistry) Types() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for jobType := range r.providers {
		out = append(out, jobType)
	}
	sort.Strings(out)
	return out
}
