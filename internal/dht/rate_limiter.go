package dht

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/WebFirstLanguage/beekad/pkg/constants"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// RateLimiter is a per-peer token bucket guarding the inbound dispatch
// path.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	buckets  map[peer.ID]*tokenBucket
	capacity int
	refill   time.Duration
	cleanup  time.Duration

	lastCleanup time.Time
}

type tokenBucket struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a limiter with the given per-peer capacity and
// refill period. Zero values take defaults.
func NewRateLimiter(c clock.Clock, capacity int, refill time.Duration) *RateLimiter {
	if capacity <= 0 {
		capacity = constants.RateLimitCapacity
	}
	if refill <= 0 {
		refill = constants.RateLimitRefill
	}
	return &RateLimiter{
		clock:       c,
		buckets:     make(map[peer.ID]*tokenBucket),
		capacity:    capacity,
		refill:      refill,
		cleanup:     constants.RateLimitCleanup,
		lastCleanup: c.Now(),
	}
}

// Allow reports whether a request from the peer should be served.
func (rl *RateLimiter) Allow(id peer.ID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	rl.maybeCleanup(now)

	b, ok := rl.buckets[id]
	if !ok {
		b = &tokenBucket{tokens: rl.capacity}
		rl.buckets[id] = b
	} else {
		refilled := int(now.Sub(b.lastSeen) / rl.refill)
		if refilled > 0 {
			b.tokens += refilled
			if b.tokens > rl.capacity {
				b.tokens = rl.capacity
			}
		}
	}
	b.lastSeen = now

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (rl *RateLimiter) maybeCleanup(now time.Time) {
	if now.Sub(rl.lastCleanup) < rl.cleanup {
		return
	}
	rl.lastCleanup = now
	for id, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.cleanup {
			delete(rl.buckets, id)
		}
	}
}
