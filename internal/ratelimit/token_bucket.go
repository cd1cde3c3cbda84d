package ratelimit

import (
	"math"
	"sync"
	"time"
)

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// rate of R tokens/sec refills exactly R nano-tokens per elapsed nanosecond.
const nanoPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket with an integer refill rate.
//
// The signaling transport keeps one bucket per WebSocket connection to cap the
// number of inbound messages a client may send per second.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns
	avail    int64 // nano-tokens
	last     time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens that refills at
// rate tokens per second. Negative arguments are treated as zero.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capNano := toNano(max(capacity, 0))
	return &TokenBucket{
		clock:    clock,
		capacity: capNano,
		rate:     max(rate, 0),
		avail:    capNano,
		last:     clock.Now(),
	}
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

// Available returns the whole tokens currently in the bucket.
func (b *TokenBucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.avail / nanoPerToken
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate == 0 {
		// Clock going backwards only moves the reference point.
		return
	}

	missing := b.capacity - b.avail
	if missing <= 0 {
		return
	}
	// elapsed*rate may overflow; anything at or beyond missing/rate fills the
	// bucket anyway.
	if elapsed >= missing/b.rate {
		b.avail = b.capacity
		return
	}
	b.avail = min(b.avail+elapsed*b.rate, b.capacity)
}

func toNano(tokens int64) int64 {
	if tokens > math.MaxInt64/nanoPerToken {
		return math.MaxInt64
	}
	return tokens * nanoPerToken
}
