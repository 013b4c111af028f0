package upstream

import (
	"context"
	"sync"
	"time"
)

// TokenBucket admits outbound calls at a bounded rate. Capacity tokens
// are available at once; refillRate tokens are added per refillPeriod
// of wall-clock time. The bucket never holds more than capacity tokens,
// so over any long window the admitted rate stays within
// refillRate * (window / period) + capacity.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     int64
	tokens       int64
	refillRate   int64         // tokens added per period
	refillPeriod time.Duration // period length
	lastRefill   time.Time
}

// NewTokenBucket starts full.
func NewTokenBucket(capacity, refillRate int64, refillPeriod time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate < 1 {
		refillRate = 1
	}
	if refillPeriod <= 0 {
		refillPeriod = time.Second
	}
	return &TokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillRate:   refillRate,
		refillPeriod: refillPeriod,
		lastRefill:   time.Now(),
	}
}

// refillLocked credits tokens for whole elapsed periods. Partial
// periods are carried by leaving lastRefill on the period boundary.
func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	periods := int64(elapsed / b.refillPeriod)
	if periods <= 0 {
		return
	}
	b.tokens += periods * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(periods) * b.refillPeriod)
}

// TryConsume atomically refills, then takes n tokens if available.
// When it cannot, it returns the wait until enough tokens will have
// accrued, assuming no competing consumers.
func (b *TokenBucket) TryConsume(n int64) (bool, time.Duration) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refillLocked(now)

	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}

	deficit := n - b.tokens
	// Whole periods needed to cover the deficit, plus the remainder of
	// the period already in progress.
	periods := (deficit + b.refillRate - 1) / b.refillRate
	wait := time.Duration(periods)*b.refillPeriod - now.Sub(b.lastRefill)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return false, wait
}

// WaitAndConsume blocks until n tokens are taken or ctx is done.
// Competing consumers can steal refilled tokens, so the wait loops
// rather than assuming a single sleep suffices.
func (b *TokenBucket) WaitAndConsume(ctx context.Context, n int64) (time.Duration, error) {
	var waited time.Duration
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		ok, wait := b.TryConsume(n)
		if ok {
			return waited, nil
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return waited, ctx.Err()
		case <-timer.C:
			waited += wait
		}
	}
}

// Available reports the current token count after refill. Intended for
// health reporting, not admission decisions.
func (b *TokenBucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}
