package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ingress/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// Key scopes pacing to one provider for one tenant.
type Key struct {
	TenantID string
	Provider string
}

func (k Key) Normalized() Key {
	return Key{
		TenantID: strings.TrimSpace(k.TenantID),
		Provider: strings.TrimSpace(strings.ToLower(k.Provider)),
	}
}

func (k Key) String() string {
	n := k.Normalized()
	return n.TenantID + "|" + n.Provider
}

type State struct {
	Key            Key
	ThrottledUntil *time.Time
	RetryAfter     time.Duration
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, key Key) (State, error)
	Upsert(ctx context.Context, state State) error
}

type ThrottledError struct {
	TenantID   string
	Provider   string
	RetryAfter time.Duration
	Until      time.Time
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: provider %q throttled for tenant %q for %s",
		strings.TrimSpace(e.Provider),
		strings.TrimSpace(e.TenantID),
		e.RetryAfter,
	)
}

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"provider":  strings.TrimSpace(e.Provider),
		"tenant_id": strings.TrimSpace(e.TenantID),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ServiceErrorRateLimited).
		WithMetadata(metadata)
}

// ResponseMeta is the transport view of a provider response that pacing
// cares about.
type ResponseMeta struct {
	StatusCode int
	Headers    map[string]string
}

// Pacer remembers provider-dictated pauses per (tenant, provider) so that
// every job for a throttled pair waits instead of hammering the provider.
type Pacer struct {
	Store             StateStore
	Now               func() time.Time
	DefaultRetryAfter time.Duration
}

func NewPacer(store StateStore) *Pacer {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &Pacer{
		Store:             store,
		Now:               func() time.Time { return time.Now().UTC() },
		DefaultRetryAfter: time.Minute,
	}
}

// BeforeSend returns a ThrottledError while the pair is paused.
func (p *Pacer) BeforeSend(ctx context.Context, key Key) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = key.Normalized()
	state, err := p.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}
	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{TenantID: key.TenantID, Provider: key.Provider, RetryAfter: until.Sub(now), Until: *until}
	}
	return nil
}

// RecordRateLimited pauses the pair for retryAfter, or the default when the
// provider gave no hint, and returns when sending may resume.
func (p *Pacer) RecordRateLimited(ctx context.Context, key Key, retryAfter time.Duration) (time.Time, error) {
	if retryAfter <= 0 {
		retryAfter = p.defaultRetryAfter()
	}
	now := p.now()
	until := now.Add(retryAfter)
	if p == nil || p.Store == nil {
		return until, nil
	}
	key = key.Normalized()
	state, err := p.Store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return until, err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{Key: key}
	}
	state.Attempts++
	state.LastStatus = http.StatusTooManyRequests
	state.RetryAfter = retryAfter
	if state.ThrottledUntil == nil || until.After(*state.ThrottledUntil) {
		state.ThrottledUntil = &until
	}
	state.UpdatedAt = now
	if err := p.Store.Upsert(ctx, state); err != nil {
		return until, err
	}
	return until, nil
}

func (p *Pacer) RecordSuccess(ctx context.Context, key Key) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = key.Normalized()
	state, err := p.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}
	if state.ThrottledUntil == nil && state.Attempts == 0 {
		return nil
	}
	state.Attempts = 0
	state.ThrottledUntil = nil
	state.RetryAfter = 0
	state.LastStatus = http.StatusOK
	state.UpdatedAt = p.now()
	return p.Store.Upsert(ctx, state)
}

// ObserveResponse records a raw provider response. A 429, or a response that
// reports an exhausted quota, pauses the pair.
func (p *Pacer) ObserveResponse(ctx context.Context, key Key, res ResponseMeta) (time.Time, bool, error) {
	now := p.now()
	retryAfter, hasRetryAfter := ParseRetryAfter(res.Headers, now)
	remaining, hasRemaining := parseHeaderInt(res.Headers, "x-ratelimit-remaining")
	throttled := res.StatusCode == http.StatusTooManyRequests ||
		(res.StatusCode < 500 && hasRemaining && remaining == 0)
	if !throttled {
		return time.Time{}, false, p.RecordSuccess(ctx, key)
	}
	if !hasRetryAfter {
		if resetAt, ok := parseHeaderResetAt(res.Headers); ok && resetAt.After(now) {
			retryAfter = resetAt.Sub(now)
		}
	}
	until, err := p.RecordRateLimited(ctx, key, retryAfter)
	return until, true, err
}

func (p *Pacer) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Pacer) defaultRetryAfter() time.Duration {
	if p != nil && p.DefaultRetryAfter > 0 {
		return p.DefaultRetryAfter
	}
	return time.Minute
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date.
func ParseRetryAfter(headers map[string]string, now time.Time) (time.Duration, bool) {
	raw := headerValue(headers, "retry-after")
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := httpDate(raw); err == nil {
		if retryAt.After(now) {
			return retryAt.Sub(now), true
		}
	}
	return 0, false
}

func parseHeaderInt(headers map[string]string, key string) (int, bool) {
	value := headerValue(headers, key)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func parseHeaderResetAt(headers map[string]string) (time.Time, bool) {
	value := headerValue(headers, "x-ratelimit-reset")
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func httpDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("ratelimit: empty date")
	}
	if parsed, err := http.ParseTime(value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(time.RFC1123, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.Parse(time.RFC1123Z, value); err == nil {
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("ratelimit: invalid http date")
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key Key) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[key.String()]
	if !ok {
		return State{}, ErrStateNotFound
	}
	state.ThrottledUntil = core.CloneTime(state.ThrottledUntil)
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = state.Key.Normalized()
	state.ThrottledUntil = core.CloneTime(state.ThrottledUntil)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Key.String()] = state
	return nil
}
