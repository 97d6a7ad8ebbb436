package webhooks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultReplayWindow     = 5 * time.Minute
	defaultReplayMaxEntries = 8192
	defaultRedisReplayKey   = "ingress:replay:"
)

// ReplayCache remembers delivery keys for a window. Claim returns false when
// the key was already seen inside the window.
type ReplayCache interface {
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryReplayCache is a bounded per-process cache. When full, the entry
// closest to expiry is evicted.
type MemoryReplayCache struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	entries    map[string]time.Time
	Now        func() time.Time
}

func NewMemoryReplayCache(window time.Duration, maxEntries int) *MemoryReplayCache {
	if window <= 0 {
		window = defaultReplayWindow
	}
	if maxEntries <= 0 {
		maxEntries = defaultReplayMaxEntries
	}
	return &MemoryReplayCache{
		window:     window,
		maxEntries: maxEntries,
		entries:    map[string]time.Time{},
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *MemoryReplayCache) Claim(_ context.Context, key string, window time.Duration) (bool, error) {
	if c == nil {
		return false, fmt.Errorf("webhooks: replay cache is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("webhooks: replay key is required")
	}
	if window <= 0 {
		window = c.window
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpiredLocked(now)
	if expiresAt, ok := c.entries[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	for len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = now.Add(window)
	return true, nil
}

func (c *MemoryReplayCache) Release(_ context.Context, key string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, strings.TrimSpace(key))
	return nil
}

func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryReplayCache) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *MemoryReplayCache) pruneExpiredLocked(now time.Time) {
	for key, expiresAt := range c.entries {
		if !now.Before(expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *MemoryReplayCache) evictOldestLocked() {
	var oldestKey string
	var oldestExpiry time.Time
	for key, expiry := range c.entries {
		if oldestKey == "" || expiry.Before(oldestExpiry) {
			oldestKey = key
			oldestExpiry = expiry
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// RedisReplayCache shares the replay window across ingress processes using
// SET NX with a millisecond expiry.
type RedisReplayCache struct {
	client redis.Cmdable
	prefix string
	window time.Duration
}

func NewRedisReplayCache(client redis.Cmdable, prefix string, window time.Duration) *RedisReplayCache {
	if prefix == "" {
		prefix = defaultRedisReplayKey
	}
	if window <= 0 {
		window = defaultReplayWindow
	}
	return &RedisReplayCache{client: client, prefix: prefix, window: window}
}

func (c *RedisReplayCache) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	if c == nil || c.client == nil {
		return false, fmt.Errorf("webhooks: redis replay cache is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("webhooks: replay key is required")
	}
	if window <= 0 {
		window = c.window
	}
	claimed, err := c.client.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return false, fmt.Errorf("webhooks: redis replay claim: %w", err)
	}
	return claimed, nil
}

func (c *RedisReplayCache) Release(ctx context.Context, key string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, c.prefix+strings.TrimSpace(key)).Err(); err != nil {
		return fmt.Errorf("webhooks: redis replay release: %w", err)
	}
	return nil
}

var (
	_ ReplayCache = (*MemoryReplayCache)(nil)
	_ ReplayCache = (*RedisReplayCache)(nil)
)
