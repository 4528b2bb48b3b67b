package market

import (
	"errors"
	"fmt"
	"strings"
)

// Instrument identifies a tracked commodity.
type Instrument string

const (
	Gold      Instrument = "gold"
	Silver    Instrument = "silver"
	Platinum  Instrument = "platinum"
	Palladium Instrument = "palladium"
	Gold22K   Instrument = "gold_22k"
)

// Currency is an ISO 4217 code.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	INR Currency = "INR"
)

// BaseCurrency is the currency every snapshot is fetched in before projection.
const BaseCurrency = USD

var (
	// ErrUnknownInstrument is returned when parsing an unsupported instrument id.
	ErrUnknownInstrument = errors.New("market: unknown instrument")
	// ErrUnknownCurrency is returned when parsing an unsupported currency code.
	ErrUnknownCurrency = errors.New("market: unknown currency")
)

// CoreInstruments lists the instruments every snapshot carries, in persistence order.
var CoreInstruments = []Instrument{Gold, Silver, Platinum, Palladium}

// AllInstruments adds the optional secondary gold grade to CoreInstruments.
var AllInstruments = []Instrument{Gold, Silver, Platinum, Palladium, Gold22K}

// Currencies lists supported currencies, base first.
var Currencies = []Currency{USD, EUR, GBP, INR}

// ParseInstrument normalises and validates an instrument id.
func ParseInstrument(s string) (Instrument, error) {
	inst := Instrument(strings.ToLower(strings.TrimSpace(s)))
	switch inst {
	case Gold, Silver, Platinum, Palladium, Gold22K:
		return inst, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownInstrument, s)
}

// ParseCurrency normalises and validates a currency code.
func ParseCurrency(s string) (Currency, error) {
	cur := Currency(strings.ToUpper(strings.TrimSpace(s)))
	for _, c := range Currencies {
		if c == cur {
			return cur, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
}

// Snapshot is one internally consistent set of instrument prices.
type Snapshot struct {
	Currency  Currency
	Prices    map[Instrument]float64
	Timestamp int64
	Source    string
	// Degraded marks snapshots produced by the fallback generator.
	Degraded bool
}

// Price returns the price of inst and whether it is present.
func (s Snapshot) Price(inst Instrument) (float64, bool) {
	p, ok := s.Prices[inst]
	return p, ok
}

// Instruments returns the instruments present in the snapshot in a stable order.
func (s Snapshot) Instruments() []Instrument {
	out := make([]Instrument, 0, len(s.Prices))
	for _, inst := range AllInstruments {
		if _, ok := s.Prices[inst]; ok {
			out = append(out, inst)
		}
	}
	return out
}

// Clone returns a deep copy that shares no state with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Prices = make(map[Instrument]float64, len(s.Prices))
	for k, v := range s.Prices {
		out.Prices[k] = v
	}
	return out
}
