package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRateLimiter keeps the sliding-window log in process. Its atomicity
// holds only inside one process; multi-worker deployments need Redis.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string][]time.Time
	now       func() time.Time
	keyPrefix string
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows:   make(map[string][]time.Time),
		now:       time.Now,
		keyPrefix: DefaultRateKeyPrefix,
	}
}

// WithKeyPrefix namespaces keys the same way the Redis limiter does; empty
// keeps the default.
func (r *MemoryRateLimiter) WithKeyPrefix(prefix string) *MemoryRateLimiter {
	if prefix != "" {
		r.keyPrefix = prefix
	}
	return r
}

func (r *MemoryRateLimiter) WithClock(now func() time.Time) *MemoryRateLimiter {
	r.now = now
	return r
}

func (r *MemoryRateLimiter) CheckAndRecord(ctx context.Context, client, endpoint string, maxAttempts int, window time.Duration) (Decision, error) {
	if maxAttempts <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("rate limit: max attempts and window must be positive")
	}
	key := rateKey(r.keyPrefix, client, endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)
	attempts := r.windows[key]
	kept := attempts[:0]
	for _, at := range attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	count := len(kept)
	if count >= maxAttempts {
		r.windows[key] = kept
		return rejected(count, maxAttempts), nil
	}
	r.windows[key] = append(kept, now)
	return admitted(count, maxAttempts), nil
}

// Sweep drops keys whose newest attempt is older than window.
func (r *MemoryRateLimiter) Sweep(window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-window)
	removed := 0
	for key, attempts := range r.windows {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(cutoff) {
			delete(r.windows, key)
			removed++
		}
	}
	return removed
}
