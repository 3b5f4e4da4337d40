// Package ratelimit throttles RPC clients with one token bucket per client
// key.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdle is how long an unused bucket is kept before it is pruned.
const DefaultIdle = 5 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter provides per-key rate limiting. Buckets are created on first
// use and pruned once idle, so no background goroutine is needed.
type KeyedLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastPrune time.Time
	now       func() time.Time
}

// NewKeyed creates a per-key limiter allowing perSecond requests with bursts
// of up to burst. idle <= 0 uses DefaultIdle.
func NewKeyed(perSecond float64, burst int, idle time.Duration) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &KeyedLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
	}
}

// Allow reports whether a request for key may proceed, consuming one token.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := kl.now()
	kl.pruneLocked(now)

	b, ok := kl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(kl.limit, kl.burst)}
		kl.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Forget drops the bucket of key.
func (kl *KeyedLimiter) Forget(key string) {
	kl.mu.Lock()
	delete(kl.buckets, key)
	kl.mu.Unlock()
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.buckets)
}

// pruneLocked removes idle buckets at most once per idle period.
func (kl *KeyedLimiter) pruneLocked(now time.Time) {
	if now.Sub(kl.lastPrune) < kl.idle {
		return
	}
	kl.lastPrune = now
	for key, b := range kl.buckets {
		if now.Sub(b.lastSeen) > kl.idle {
			delete(kl.buckets, key)
		}
	}
}
