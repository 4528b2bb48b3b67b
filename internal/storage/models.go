package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"metalwatch/internal/market"
)

// PriceRow is one persisted reading for an instrument.
type PriceRow struct {
	ID               int64
	Instrument       market.Instrument
	PriceUSD         decimal.Decimal
	PriceEUR         decimal.NullDecimal
	PriceGBP         decimal.NullDecimal
	PriceINR         decimal.NullDecimal
	BidPrice         decimal.Decimal
	AskPrice         decimal.Decimal
	Change24h        decimal.Decimal
	ChangePercentage decimal.Decimal
	High24h          decimal.Decimal
	Low24h           decimal.Decimal
	Source           string
	Timestamp        time.Time
}

// PriceIn returns the stored price for cur, if that column is populated.
func (r PriceRow) PriceIn(cur market.Currency) (decimal.Decimal, bool) {
	switch cur {
	case market.USD:
		return r.PriceUSD, true
	case market.EUR:
		return r.PriceEUR.Decimal, r.PriceEUR.Valid
	case market.GBP:
		return r.PriceGBP.Decimal, r.PriceGBP.Valid
	case market.INR:
		return r.PriceINR.Decimal, r.PriceINR.Valid
	}
	return decimal.Decimal{}, false
}

// SetPrice fills the column for cur.
func (r *PriceRow) SetPrice(cur market.Currency, v decimal.Decimal) {
	switch cur {
	case market.USD:
		r.PriceUSD = v
	case market.EUR:
		r.PriceEUR = decimal.NewNullDecimal(v)
	case market.GBP:
		r.PriceGBP = decimal.NewNullDecimal(v)
	case market.INR:
		r.PriceINR = decimal.NewNullDecimal(v)
	}
}

// Condition is the direction of an alert threshold.
type Condition string

const (
	ConditionAbove Condition = "above"
	ConditionBelow Condition = "below"
)

// AlertRule is a user-defined threshold owned by the alerting subsystem.
type AlertRule struct {
	ID          int64
	UserID      string
	Instrument  market.Instrument
	TargetPrice decimal.Decimal
	Condition   Condition
	Currency    market.Currency
	Active      bool
	TriggeredAt *time.Time
}

// TriggerEvent records one detected threshold crossing.
type TriggerEvent struct {
	ID               int64
	AlertID          int64
	TriggeredPrice   decimal.Decimal
	TriggeredAt      time.Time
	NotificationSent bool
}
