package memory

import (
	"context"
	"sync"
	"time"

	"github.com/otclabs/premarket/internal/domain"
)

// LockManager implements domain.LockManager with an in-process mutex map.
// Single-instance deployments and tests use it in place of the Redis lock.
type LockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]bool)}
}

// Acquire obtains the lock for key or returns domain.ErrLockHeld. The TTL is
// ignored; an in-process holder releases explicitly or not at all.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.held[key] {
		return nil, domain.ErrLockHeld
	}
	lm.held[key] = true

	released := false
	unlock := func() {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(lm.held, key)
	}
	return unlock, nil
}

// RateLimiter implements domain.RateLimiter with a per-key sliding window.
type RateLimiter struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{calls: make(map[string][]time.Time)}
}

// Allow reports whether another call is permitted for key within the window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	kept := rl.calls[key][:0]
	for _, t := range rl.calls[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.calls[key] = kept
		return false, nil
	}
	rl.calls[key] = append(kept, now)
	return true, nil
}

// Compile-time interface checks.
var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
)
