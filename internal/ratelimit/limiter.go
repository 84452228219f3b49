// Package ratelimit hands out token buckets keyed by caller.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// NewBucket returns a token bucket admitting maxRequests per window with the
// given burst. A non-positive window disables limiting.
func NewBucket(maxRequests, burst int, window time.Duration) *rate.Limiter {
	limit := rate.Inf
	if window > 0 && maxRequests > 0 {
		limit = rate.Limit(float64(maxRequests) / window.Seconds())
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(limit, burst)
}

// Keyed keeps one bucket per key and forgets keys idle for longer than ttl.
type Keyed struct {
	mu          sync.Mutex
	buckets     map[string]*entry
	maxRequests int
	burst       int
	window      time.Duration
	ttl         time.Duration
	now         func() time.Time
	lastPrune   time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyed(maxRequests, burst int, window time.Duration) *Keyed {
	ttl := 10 * window
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &Keyed{
		buckets:     make(map[string]*entry),
		maxRequests: maxRequests,
		burst:       burst,
		window:      window,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Allow reports whether key may proceed now, consuming a token if so.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if now.Sub(k.lastPrune) > k.ttl {
		for bucketKey, e := range k.buckets {
			if now.Sub(e.lastSeen) > k.ttl {
				delete(k.buckets, bucketKey)
			}
		}
		k.lastPrune = now
	}

	e, ok := k.buckets[key]
	if !ok {
		e = &entry{limiter: NewBucket(k.maxRequests, k.burst, k.window)}
		k.buckets[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Len is the number of live buckets.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
