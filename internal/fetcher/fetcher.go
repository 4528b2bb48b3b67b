package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"metalwatch/internal/market"
)

// ErrPrimaryUnavailable indicates the provider could not price the primary instrument.
var ErrPrimaryUnavailable = errors.New("fetcher: primary instrument unavailable")

// PriceFetcher retrieves one snapshot of spot prices in the requested base currency.
type PriceFetcher interface {
	FetchBasePrices(ctx context.Context, base market.Currency) (market.Snapshot, error)
}

// Derivation prices an instrument as a fixed ratio of gold, jittered by ±Jitter.
type Derivation struct {
	Ratio  float64 `mapstructure:"ratio"`
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultDerivations approximate typical market ratios to gold. Values produced from them are
// derived, not observed.
var DefaultDerivations = map[market.Instrument]Derivation{
	market.Silver:    {Ratio: 0.0125, Jitter: 0.05},
	market.Platinum:  {Ratio: 0.50, Jitter: 0.05},
	market.Palladium: {Ratio: 0.65, Jitter: 0.05},
	market.Gold22K:   {Ratio: 22.0 / 24.0},
}

// Deriver fills instruments a provider does not cover.
type Deriver struct {
	mu    sync.Mutex
	rng   *rand.Rand
	rules map[market.Instrument]Derivation
}

// NewDeriver builds a deriver; a zero seed uses the current time.
func NewDeriver(rules map[market.Instrument]Derivation, seed int64) *Deriver {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if rules == nil {
		rules = DefaultDerivations
	}
	return &Deriver{rng: rand.New(rand.NewSource(seed)), rules: rules}
}

// Derive returns a synthetic price for inst based on the gold price.
func (d *Deriver) Derive(gold float64, inst market.Instrument) (float64, error) {
	rule, ok := d.rules[inst]
	if !ok {
		return 0, fmt.Errorf("no derivation configured for %s", inst)
	}
	factor := 1.0
	if rule.Jitter > 0 {
		d.mu.Lock()
		factor = 1 - rule.Jitter + d.rng.Float64()*2*rule.Jitter
		d.mu.Unlock()
	}
	return gold * rule.Ratio * factor, nil
}

// Complete derives every missing core instrument (and gold_22k when requested) from gold.
func (d *Deriver) Complete(prices map[market.Instrument]float64, include22K bool) error {
	gold, ok := prices[market.Gold]
	if !ok || gold <= 0 {
		return ErrPrimaryUnavailable
	}
	wanted := market.CoreInstruments
	if include22K {
		wanted = market.AllInstruments
	}
	for _, inst := range wanted {
		if p, ok := prices[inst]; ok && p > 0 {
			continue
		}
		derived, err := d.Derive(gold, inst)
		if err != nil {
			return err
		}
		prices[inst] = derived
	}
	return nil
}

// rebase converts a provider-native snapshot into base using the static table.
func rebase(snap market.Snapshot, base market.Currency, projector *market.Projector) (market.Snapshot, error) {
	if snap.Currency == base {
		return snap, nil
	}
	out := snap.Clone()
	out.Currency = base
	for inst, price := range snap.Prices {
		converted, err := projector.Convert(price, snap.Currency, base)
		if err != nil {
			return market.Snapshot{}, fmt.Errorf("rebase %s: %w", inst, err)
		}
		out.Prices[inst] = converted
	}
	return out, nil
}
