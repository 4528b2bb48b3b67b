package market

import (
	"fmt"
)

// DefaultRates are illustrative USD conversion factors, not live FX.
var DefaultRates = Rates{
	USD: 1,
	EUR: 0.92,
	GBP: 0.79,
	INR: 83.12,
}

// Rates maps a currency to the number of units per one USD.
type Rates map[Currency]float64

// Validate ensures the table is usable as a static conversion source.
func (r Rates) Validate() error {
	if rate, ok := r[USD]; !ok || rate != 1 {
		return fmt.Errorf("fx rate for %s must be 1", USD)
	}
	for cur, rate := range r {
		if _, err := ParseCurrency(string(cur)); err != nil {
			return err
		}
		if rate <= 0 {
			return fmt.Errorf("fx rate for %s must be positive", cur)
		}
	}
	return nil
}

// Projector converts USD prices using a static rate table.
type Projector struct {
	rates Rates
}

// NewProjector copies rates into a new projector. USD is always 1.
func NewProjector(rates Rates) *Projector {
	cp := make(Rates, len(rates)+1)
	for k, v := range rates {
		cp[k] = v
	}
	cp[USD] = 1
	return &Projector{rates: cp}
}

// Supports reports whether cur has a conversion rate.
func (p *Projector) Supports(cur Currency) bool {
	_, ok := p.rates[cur]
	return ok
}

// Currencies returns the projectable currencies in canonical order.
func (p *Projector) Currencies() []Currency {
	out := make([]Currency, 0, len(p.rates))
	for _, c := range Currencies {
		if p.Supports(c) {
			out = append(out, c)
		}
	}
	return out
}

// Project converts a USD price into target.
func (p *Projector) Project(priceUSD float64, target Currency) (float64, error) {
	rate, ok := p.rates[target]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, target)
	}
	return priceUSD * rate, nil
}

// ProjectSnapshot returns a new snapshot in target; base must be in USD.
func (p *Projector) ProjectSnapshot(base Snapshot, target Currency) (Snapshot, error) {
	if base.Currency != USD {
		return Snapshot{}, fmt.Errorf("project from %s: base snapshot must be %s", base.Currency, USD)
	}
	out := base.Clone()
	out.Currency = target
	for inst, price := range base.Prices {
		converted, err := p.Project(price, target)
		if err != nil {
			return Snapshot{}, err
		}
		out.Prices[inst] = converted
	}
	return out, nil
}

// Convert moves a price from one currency to another through USD.
func (p *Projector) Convert(price float64, from, to Currency) (float64, error) {
	fromRate, ok := p.rates[from]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	return p.Project(price/fromRate, to)
}
