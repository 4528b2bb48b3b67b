package pricecache

import (
	"math/rand"
	"sync"
	"time"

	"metalwatch/internal/market"
)

// FallbackSource labels snapshots produced without a successful upstream fetch.
const FallbackSource = "fallback"

// baseline USD prices used when no upstream value has ever been observed.
var baseline = map[market.Instrument]struct{ price, spread float64 }{
	market.Gold:      {1950.50, 10},
	market.Silver:    {24.30, 1},
	market.Platinum:  {950.75, 7.5},
	market.Palladium: {1280.25, 12.5},
}

// Fallback generates degraded snapshots during upstream outages.
type Fallback struct {
	mu         sync.Mutex
	rng        *rand.Rand
	step       float64
	include22K bool
}

// NewFallback builds a generator. step bounds the relative move around the last good value;
// a zero seed uses the current time.
func NewFallback(seed int64, step float64, include22K bool) *Fallback {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if step <= 0 || step >= 1 {
		step = 0.005
	}
	return &Fallback{rng: rand.New(rand.NewSource(seed)), step: step, include22K: include22K}
}

// Generate returns a complete USD snapshot. With a last-known-good snapshot every price moves
// by at most ±step around it; otherwise prices are drawn around a fixed baseline.
func (f *Fallback) Generate(lastGood *market.Snapshot, now time.Time) market.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	prices := make(map[market.Instrument]float64, len(market.AllInstruments))
	if lastGood != nil && len(lastGood.Prices) > 0 {
		for inst, price := range lastGood.Prices {
			prices[inst] = price * (1 + (f.rng.Float64()*2-1)*f.step)
		}
	} else {
		for _, inst := range market.CoreInstruments {
			b := baseline[inst]
			prices[inst] = b.price + (f.rng.Float64()*2-1)*b.spread
		}
	}
	if f.include22K {
		if _, ok := prices[market.Gold22K]; !ok {
			prices[market.Gold22K] = prices[market.Gold] * 22 / 24
		}
	}

	return market.Snapshot{
		Currency:  market.USD,
		Prices:    prices,
		Timestamp: now.Unix(),
		Source:    FallbackSource,
		Degraded:  true,
	}
}
