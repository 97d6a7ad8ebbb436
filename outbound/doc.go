// Package outbound sends queued jobs through per-type providers with
// tenant scoped pacing, retry backoff and cancellation.
package outbound
