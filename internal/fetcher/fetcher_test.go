package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"metalwatch/internal/market"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestDeriveWithinJitterBounds(t *testing.T) {
	d := NewDeriver(DefaultDerivations, 42)

	for i := 0; i < 1000; i++ {
		platinum, err := d.Derive(2000, market.Platinum)
		require.NoError(t, err)
		require.GreaterOrEqual(t, platinum, 950.0)
		require.LessOrEqual(t, platinum, 1050.0)

		palladium, err := d.Derive(2000, market.Palladium)
		require.NoError(t, err)
		require.GreaterOrEqual(t, palladium, 2000*0.65*0.95)
		require.LessOrEqual(t, palladium, 2000*0.65*1.05)
	}
}

func TestDeriveIsDeterministicForSeed(t *testing.T) {
	a := NewDeriver(DefaultDerivations, 7)
	b := NewDeriver(DefaultDerivations, 7)
	for i := 0; i < 10; i++ {
		pa, _ := a.Derive(2000, market.Platinum)
		pb, _ := b.Derive(2000, market.Platinum)
		require.Equal(t, pa, pb)
	}
}

func TestDeriveGold22KHasNoJitter(t *testing.T) {
	d := NewDeriver(DefaultDerivations, 1)
	p, err := d.Derive(2400, market.Gold22K)
	require.NoError(t, err)
	require.InDelta(t, 2200, p, 1e-9)
}

func TestCompleteKeepsObservedValues(t *testing.T) {
	d := NewDeriver(DefaultDerivations, 1)
	prices := map[market.Instrument]float64{market.Gold: 2000, market.Silver: 25}

	require.NoError(t, d.Complete(prices, false))
	require.Equal(t, 25.0, prices[market.Silver])
	require.Contains(t, prices, market.Platinum)
	require.Contains(t, prices, market.Palladium)
	require.NotContains(t, prices, market.Gold22K)
}

func TestCompleteRequiresGold(t *testing.T) {
	d := NewDeriver(DefaultDerivations, 1)
	err := d.Complete(map[market.Instrument]float64{market.Silver: 25}, false)
	require.ErrorIs(t, err, ErrPrimaryUnavailable)
}

type countingFetcher struct {
	calls int
}

func (c *countingFetcher) FetchBasePrices(ctx context.Context, base market.Currency) (market.Snapshot, error) {
	c.calls++
	return market.Snapshot{Currency: base}, nil
}

func TestRateLimitedBlocksUntilContextDone(t *testing.T) {
	next := &countingFetcher{}
	limited := &RateLimited{Next: next, Bucket: NewTokenBucket(1.0/60, 1)}

	_, err := limited.FetchBasePrices(context.Background(), market.USD)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limited.FetchBasePrices(ctx, market.USD)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, 1, next.calls)
}

func TestTokenBucketRefills(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tb := NewTokenBucket(1, 1)
	tb.now = func() time.Time { return now }
	tb.last = now

	require.Zero(t, tb.reserve())
	require.Positive(t, tb.reserve())

	now = now.Add(time.Second)
	require.Zero(t, tb.reserve())
}
