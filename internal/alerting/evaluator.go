package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"metalwatch/internal/market"
	"metalwatch/internal/storage"
)

// Store combines the rule and price reads the evaluator performs.
type Store interface {
	storage.AlertStore
	storage.PriceReader
}

// Options tune evaluator behaviour.
type Options struct {
	// Rearm makes rules edge-triggered: a rule that already fired stays quiet until the price
	// moves back across its threshold. When false every evaluation of a crossed rule fires.
	Rearm    bool
	Channels []string
	Clock    func() time.Time
}

// Summary reports the outcome of one evaluation pass.
type Summary struct {
	Evaluated  int
	Triggered  int
	Suppressed int
	Rearmed    int
	Skipped    int
	Notified   int
	Events     []storage.TriggerEvent
}

// Evaluator walks active rules against the latest stored prices.
type Evaluator struct {
	store     Store
	notifiers []Notifier
	rearm     bool
	channels  []string
	now       func() time.Time
	logger    zerolog.Logger
}

// NewEvaluator constructs an Evaluator. Notifiers are optional.
func NewEvaluator(store Store, notifiers []Notifier, opts Options, logger zerolog.Logger) *Evaluator {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Evaluator{
		store:     store,
		notifiers: notifiers,
		rearm:     opts.Rearm,
		channels:  opts.Channels,
		now:       opts.Clock,
		logger:    logger.With().Str("component", "alert_evaluator").Logger(),
	}
}

// Crossed reports whether price satisfies cond against target. Unknown conditions never match.
func Crossed(cond storage.Condition, price, target decimal.Decimal) bool {
	switch cond {
	case storage.ConditionAbove:
		return price.GreaterThanOrEqual(target)
	case storage.ConditionBelow:
		return price.LessThanOrEqual(target)
	}
	return false
}

// EvaluateAlerts loads every active rule and records a trigger event for each crossing. A failure
// on one rule is logged and skipped; only failing to load the rule set is returned.
func (e *Evaluator) EvaluateAlerts(ctx context.Context) (Summary, error) {
	var summary Summary

	rules, err := e.store.ActiveAlerts(ctx)
	if err != nil {
		return summary, fmt.Errorf("load active alerts: %w", err)
	}

	latest := newLatestPrices(e.store)
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Evaluated++
		e.evaluateRule(ctx, rule, latest, &summary)
	}

	e.logger.Info().
		Int("evaluated", summary.Evaluated).
		Int("triggered", summary.Triggered).
		Int("suppressed", summary.Suppressed).
		Int("rearmed", summary.Rearmed).
		Int("skipped", summary.Skipped).
		Msg("alert evaluation complete")
	return summary, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule storage.AlertRule, latest *latestPrices, summary *Summary) {
	log := e.logger.With().Int64("alert_id", rule.ID).Str("instrument", string(rule.Instrument)).Logger()

	row, err := latest.get(ctx, rule.Instrument)
	if err != nil {
		log.Warn().Err(err).Msg("skip rule: latest price unavailable")
		summary.Skipped++
		return
	}

	// targets are compared with the USD column whatever the rule's currency label
	price := row.PriceUSD
	cur := ruleCurrency(rule)

	if rule.Condition != storage.ConditionAbove && rule.Condition != storage.ConditionBelow {
		log.Warn().Str("condition", string(rule.Condition)).Msg("skip rule: unknown condition")
		summary.Skipped++
		return
	}

	if !Crossed(rule.Condition, price, rule.TargetPrice) {
		if e.rearm && rule.TriggeredAt != nil {
			if err := e.store.ClearTrigger(ctx, rule.ID); err != nil {
				log.Warn().Err(err).Msg("re-arm rule failed")
				summary.Skipped++
				return
			}
			summary.Rearmed++
		}
		return
	}

	if e.rearm && rule.TriggeredAt != nil {
		summary.Suppressed++
		return
	}

	at := e.now().UTC()
	event, err := e.store.RecordTrigger(ctx, rule.ID, price, at)
	if err != nil {
		log.Error().Err(err).Msg("record trigger failed")
		summary.Skipped++
		return
	}
	summary.Triggered++
	summary.Events = append(summary.Events, event)

	log.Info().
		Str("condition", string(rule.Condition)).
		Str("target", rule.TargetPrice.String()).
		Str("price_usd", price.String()).
		Str("rule_currency", string(cur)).
		Msg("alert triggered")

	if e.notify(ctx, Notification{
		EventID:        event.ID,
		AlertID:        rule.ID,
		UserID:         rule.UserID,
		Instrument:     rule.Instrument,
		Condition:      rule.Condition,
		Currency:       cur,
		TargetPrice:    rule.TargetPrice,
		TriggeredPrice: price,
		TriggeredAt:    at,
		Source:         row.Source,
		Channels:       e.channels,
	}) {
		summary.Notified++
	}
}

// notify fans the trigger out to every notifier and flags the event as sent when at least one
// delivery succeeded. Failures never undo the recorded trigger.
func (e *Evaluator) notify(ctx context.Context, note Notification) bool {
	if len(e.notifiers) == 0 {
		return false
	}

	delivered := false
	for _, n := range e.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			e.logger.Warn().Err(err).Int64("alert_id", note.AlertID).Msg("dispatch notification failed")
			continue
		}
		delivered = true
	}
	if !delivered {
		return false
	}

	if err := e.store.MarkNotificationSent(ctx, note.EventID); err != nil {
		e.logger.Warn().Err(err).Int64("event_id", note.EventID).Msg("mark notification sent failed")
		return false
	}
	return true
}

// Simulate lists the active rules for inst that a USD price would cross, without recording
// anything. A non-empty cur restricts the result to rules labelled with that currency.
func (e *Evaluator) Simulate(ctx context.Context, inst market.Instrument, price decimal.Decimal, cur market.Currency) ([]storage.AlertRule, error) {
	rules, err := e.store.ActiveAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active alerts: %w", err)
	}

	matched := make([]storage.AlertRule, 0)
	for _, rule := range rules {
		if rule.Instrument != inst {
			continue
		}
		if cur != "" && ruleCurrency(rule) != cur {
			continue
		}
		if Crossed(rule.Condition, price, rule.TargetPrice) {
			matched = append(matched, rule)
		}
	}
	return matched, nil
}

func ruleCurrency(rule storage.AlertRule) market.Currency {
	if rule.Currency == "" {
		return market.BaseCurrency
	}
	return rule.Currency
}

// latestPrices memoises latest-row lookups for one evaluation pass.
type latestPrices struct {
	reader storage.PriceReader
	rows   map[market.Instrument]storage.PriceRow
	errs   map[market.Instrument]error
}

func newLatestPrices(reader storage.PriceReader) *latestPrices {
	return &latestPrices{
		reader: reader,
		rows:   make(map[market.Instrument]storage.PriceRow),
		errs:   make(map[market.Instrument]error),
	}
}

func (l *latestPrices) get(ctx context.Context, inst market.Instrument) (storage.PriceRow, error) {
	if row, ok := l.rows[inst]; ok {
		return row, nil
	}
	if err, ok := l.errs[inst]; ok {
		return storage.PriceRow{}, err
	}
	row, err := l.reader.LatestPrice(ctx, inst)
	if err != nil {
		l.errs[inst] = err
		return storage.PriceRow{}, err
	}
	l.rows[inst] = row
	return row, nil
}
