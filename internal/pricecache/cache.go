package pricecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"metalwatch/internal/fetcher"
	"metalwatch/internal/market"
)

// ErrUnsupportedCurrency is returned for currencies without a conversion rate.
var ErrUnsupportedCurrency = errors.New("pricecache: unsupported currency")

const flightKey = "base"

// Options tune cache behaviour.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	Fallback     *Fallback
	Clock        func() time.Time
}

// Stats counts cache activity since construction.
type Stats struct {
	Hits      int64
	Fetches   int64
	Fallbacks int64
}

// entry is replaced wholesale on every successful fetch and never mutated.
type entry struct {
	snapshots  map[market.Currency]market.Snapshot
	capturedAt time.Time
}

// Cache serves per-currency snapshots derived from one base fetch, with at most one fetch in flight.
type Cache struct {
	fetcher   fetcher.PriceFetcher
	projector *market.Projector
	fallback  *Fallback
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	group singleflight.Group

	mu       sync.RWMutex
	current  *entry
	lastGood *market.Snapshot

	hits      atomic.Int64
	fetches   atomic.Int64
	fallbacks atomic.Int64
}

// New constructs a cache in front of f.
func New(f fetcher.PriceFetcher, projector *market.Projector, opts Options, logger zerolog.Logger) *Cache {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Fallback == nil {
		opts.Fallback = NewFallback(0, 0, false)
	}
	return &Cache{
		fetcher:   f,
		projector: projector,
		fallback:  opts.Fallback,
		ttl:       opts.TTL,
		timeout:   opts.FetchTimeout,
		now:       opts.Clock,
		logger:    logger.With().Str("component", "price_cache").Logger(),
	}
}

// GetPrices returns the snapshot for cur. Fresh entries are served without touching the
// upstream; otherwise the caller joins the single in-flight fetch. Upstream failures are
// absorbed by the fallback generator, so the only errors are an unsupported currency or the
// caller's own context ending.
func (c *Cache) GetPrices(ctx context.Context, cur market.Currency) (market.Snapshot, error) {
	if !c.projector.Supports(cur) {
		return market.Snapshot{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, cur)
	}

	snaps, err := c.load(ctx)
	if err != nil {
		return market.Snapshot{}, err
	}
	return snaps[cur].Clone(), nil
}

// Snapshots returns every supported currency projected from the same base reading.
func (c *Cache) Snapshots(ctx context.Context) (map[market.Currency]market.Snapshot, error) {
	snaps, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[market.Currency]market.Snapshot, len(snaps))
	for cur, snap := range snaps {
		out[cur] = snap.Clone()
	}
	return out, nil
}

func (c *Cache) load(ctx context.Context) (map[market.Currency]market.Snapshot, error) {
	if snaps, ok := c.fresh(); ok {
		c.hits.Add(1)
		return snaps, nil
	}

	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.refresh(ctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[market.Currency]market.Snapshot), nil
	}
}

// Stats reports counters for diagnostics and tests.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Fetches:   c.fetches.Load(),
		Fallbacks: c.fallbacks.Load(),
	}
}

func (c *Cache) fresh() (map[market.Currency]market.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return nil, false
	}
	if c.now().Sub(c.current.capturedAt) >= c.ttl {
		return nil, false
	}
	return c.current.snapshots, true
}

// refresh runs inside the single-flight group.
func (c *Cache) refresh(ctx context.Context) (map[market.Currency]market.Snapshot, error) {
	// a flight that finished just before this one started may already have published
	if snaps, ok := c.fresh(); ok {
		c.hits.Add(1)
		return snaps, nil
	}

	// joiners share this fetch, so one caller's cancellation must not abort it
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	c.fetches.Add(1)
	base, err := c.fetcher.FetchBasePrices(fetchCtx, market.BaseCurrency)
	if err == nil {
		err = validate(base)
	}
	if err != nil {
		return c.degraded(err)
	}

	snaps, err := c.projectAll(base)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.current = &entry{snapshots: snaps, capturedAt: c.now()}
	good := base.Clone()
	c.lastGood = &good
	c.mu.Unlock()

	c.logger.Debug().Str("source", base.Source).Int("instruments", len(base.Prices)).Msg("price cache refreshed")
	return snaps, nil
}

func (c *Cache) degraded(cause error) (map[market.Currency]market.Snapshot, error) {
	c.fallbacks.Add(1)

	c.mu.RLock()
	var last *market.Snapshot
	if c.lastGood != nil {
		cp := c.lastGood.Clone()
		last = &cp
	}
	c.mu.RUnlock()

	c.logger.Warn().Err(cause).Bool("has_last_good", last != nil).Msg("upstream fetch failed; serving fallback prices")

	return c.projectAll(c.fallback.Generate(last, c.now()))
}

func (c *Cache) projectAll(base market.Snapshot) (map[market.Currency]market.Snapshot, error) {
	currencies := c.projector.Currencies()
	snaps := make(map[market.Currency]market.Snapshot, len(currencies))
	for _, cur := range currencies {
		projected, err := c.projector.ProjectSnapshot(base, cur)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", cur, err)
		}
		snaps[cur] = projected
	}
	return snaps, nil
}

func validate(s market.Snapshot) error {
	if s.Currency != market.BaseCurrency {
		return fmt.Errorf("upstream returned %s snapshot, want %s", s.Currency, market.BaseCurrency)
	}
	for _, inst := range market.CoreInstruments {
		if p, ok := s.Prices[inst]; !ok || p <= 0 {
			return fmt.Errorf("upstream snapshot missing %s", inst)
		}
	}
	return nil
}
