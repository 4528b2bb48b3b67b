package recorder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metalwatch/internal/market"
	"metalwatch/internal/storage"
)

// ErrMissingBase is returned when a cycle carries no base-currency snapshot.
var ErrMissingBase = errors.New("recorder: base currency snapshot missing")

var hundred = decimal.NewFromInt(100)

// Store is the slice of the row store the writer needs.
type Store interface {
	LatestPrice(ctx context.Context, inst market.Instrument) (storage.PriceRow, error)
	InsertPrice(ctx context.Context, row storage.PriceRow) error
}

// Spread holds the multipliers used for the synthetic bid/ask and 24h range columns. They are
// illustrative figures, not market data.
type Spread struct {
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	High decimal.Decimal
	Low  decimal.Decimal
}

// DefaultSpread matches the figures stored since the first schema version.
var DefaultSpread = Spread{
	Bid:  decimal.RequireFromString("0.999"),
	Ask:  decimal.RequireFromString("1.001"),
	High: decimal.RequireFromString("1.02"),
	Low:  decimal.RequireFromString("0.98"),
}

// Options tune writer behaviour.
type Options struct {
	Spread Spread
	Clock  func() time.Time
	// Places is the rounding applied to every stored decimal.
	Places int32
}

// Writer appends one analytics-enriched row per instrument per cycle.
type Writer struct {
	store  Store
	spread Spread
	now    func() time.Time
	places int32
	logger zerolog.Logger
}

// NewWriter constructs a Writer.
func NewWriter(store Store, opts Options, logger zerolog.Logger) *Writer {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Spread == (Spread{}) {
		opts.Spread = DefaultSpread
	}
	if opts.Places <= 0 {
		opts.Places = 4
	}
	return &Writer{
		store:  store,
		spread: opts.Spread,
		now:    opts.Clock,
		places: opts.Places,
		logger: logger.With().Str("component", "price_writer").Logger(),
	}
}

// WriteCycle persists every instrument of the base snapshot, carrying the projected price of each
// other currency in snaps. Instruments fail independently; when any fail the returned error is a
// *PartialWriteError.
func (w *Writer) WriteCycle(ctx context.Context, snaps map[market.Currency]market.Snapshot) error {
	base, ok := snaps[market.BaseCurrency]
	if !ok {
		return ErrMissingBase
	}

	// rows carry ingestion time; a cached snapshot may already have been persisted by an earlier cycle
	ts := w.now().UTC()
	instruments := base.Instruments()
	failed := make(map[market.Instrument]error)

	for _, inst := range instruments {
		if err := ctx.Err(); err != nil {
			failed[inst] = err
			continue
		}
		if err := w.writeInstrument(ctx, inst, base, snaps, ts); err != nil {
			w.logger.Warn().Err(err).Str("instrument", string(inst)).Msg("persist price failed")
			failed[inst] = err
		}
	}

	if len(failed) > 0 {
		return &PartialWriteError{Failed: failed, Total: len(instruments)}
	}

	w.logger.Debug().Int("instruments", len(instruments)).Str("source", base.Source).Msg("cycle persisted")
	return nil
}

func (w *Writer) writeInstrument(ctx context.Context, inst market.Instrument, base market.Snapshot, snaps map[market.Currency]market.Snapshot, ts time.Time) error {
	price := decimal.NewFromFloat(base.Prices[inst]).Round(w.places)

	change, pct := decimal.Zero, decimal.Zero
	prior, err := w.store.LatestPrice(ctx, inst)
	switch {
	case err == nil:
		change, pct = Change(prior.PriceUSD, price, w.places)
	case errors.Is(err, storage.ErrNoPrice):
	default:
		// analytics degrade to zero rather than dropping the reading
		w.logger.Warn().Err(err).Str("instrument", string(inst)).Msg("load prior price failed")
	}

	row := storage.PriceRow{
		Instrument:       inst,
		PriceUSD:         price,
		BidPrice:         price.Mul(w.spread.Bid).Round(w.places),
		AskPrice:         price.Mul(w.spread.Ask).Round(w.places),
		Change24h:        change,
		ChangePercentage: pct,
		High24h:          price.Mul(w.spread.High).Round(w.places),
		Low24h:           price.Mul(w.spread.Low).Round(w.places),
		Source:           base.Source,
		Timestamp:        ts,
	}
	for cur, snap := range snaps {
		if cur == market.BaseCurrency {
			continue
		}
		if p, ok := snap.Price(inst); ok {
			row.SetPrice(cur, decimal.NewFromFloat(p).Round(w.places))
		}
	}

	return w.store.InsertPrice(ctx, row)
}

// Change returns the absolute and percentage difference between prior and current. A
// non-positive prior yields zeros.
func Change(prior, current decimal.Decimal, places int32) (decimal.Decimal, decimal.Decimal) {
	if !prior.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	diff := current.Sub(prior)
	pct := diff.Div(prior).Mul(hundred)
	return diff.Round(places), pct.Round(places)
}

// PartialWriteError lists the instruments a cycle failed to persist.
type PartialWriteError struct {
	Failed map[market.Instrument]error
	Total  int
}

// Instruments returns the failed instruments in stable order.
func (e *PartialWriteError) Instruments() []market.Instrument {
	out := make([]market.Instrument, 0, len(e.Failed))
	for inst := range e.Failed {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *PartialWriteError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, inst := range e.Instruments() {
		parts = append(parts, fmt.Sprintf("%s: %v", inst, e.Failed[inst]))
	}
	return fmt.Sprintf("persisted %d of %d instruments; failed %s",
		e.Total-len(e.Failed), e.Total, strings.Join(parts, "; "))
}

// Unwrap exposes the per-instrument causes to errors.Is and errors.As.
func (e *PartialWriteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, inst := range e.Instruments() {
		errs = append(errs, e.Failed[inst])
	}
	return errs
}
