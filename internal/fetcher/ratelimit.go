package fetcher

import (
	"context"
	"sync"
	"time"

	"metalwatch/internal/market"
)

// TokenBucket is a small token bucket limiter.
// rate is tokens per second, capacity is the burst size.
type TokenBucket struct {
	rate     float64
	capacity float64
	now      func() time.Time

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewTokenBucket starts full so the first burst is not delayed.
func NewTokenBucket(tokensPerSecond float64, burst int) *TokenBucket {
	if tokensPerSecond <= 0 {
		tokensPerSecond = 0.0000001
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		rate:     tokensPerSecond,
		capacity: float64(burst),
		now:      time.Now,
		tokens:   float64(burst),
		last:     time.Now(),
	}
}

// reserve takes a token if available, otherwise reports how long until one is.
func (tb *TokenBucket) reserve() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.last).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.last = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return 0
	}
	wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// Wait blocks until a token is available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		wait := tb.reserve()
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RateLimited gates an upstream fetcher behind a token bucket.
type RateLimited struct {
	Next   PriceFetcher
	Bucket *TokenBucket
}

// FetchBasePrices waits for a token, then delegates.
func (r *RateLimited) FetchBasePrices(ctx context.Context, base market.Currency) (market.Snapshot, error) {
	if r.Bucket != nil {
		if err := r.Bucket.Wait(ctx); err != nil {
			return market.Snapshot{}, err
		}
	}
	return r.Next.FetchBasePrices(ctx, base)
}

var _ PriceFetcher = (*RateLimited)(nil)
