package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"metalwatch/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNoPrice indicates no row has been stored for an instrument yet.
	ErrNoPrice = errors.New("storage: no stored price")
)

const priceColumns = `id,
        metal_type,
        price_usd,
        price_eur,
        price_gbp,
        price_inr,
        bid_price,
        ask_price,
        change_24h,
        change_percentage,
        high_24h,
        low_24h,
        source,
        timestamp`

const (
	insertPriceSQL = `INSERT INTO metal_prices (
        metal_type,
        price_usd,
        price_eur,
        price_gbp,
        price_inr,
        bid_price,
        ask_price,
        change_24h,
        change_percentage,
        high_24h,
        low_24h,
        source,
        timestamp
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    );`

	latestPriceSQL = `SELECT ` + priceColumns + `
    FROM metal_prices
    WHERE metal_type = $1
    ORDER BY timestamp DESC
    LIMIT 1;`

	listRecentPricesSQL = `SELECT ` + priceColumns + `
    FROM metal_prices
    WHERE metal_type = $1
    ORDER BY timestamp DESC
    LIMIT $2;`

	listPricesBetweenSQL = `SELECT ` + priceColumns + `
    FROM metal_prices
    WHERE metal_type = $1
      AND timestamp >= $2
      AND timestamp < $3
    ORDER BY timestamp;`

	activeAlertsSQL = `SELECT
        id,
        user_id::text,
        metal_type,
        target_price,
        condition,
        currency,
        is_active,
        triggered_at
    FROM price_alerts
    WHERE is_active = true
    ORDER BY id;`

	insertHistorySQL = `INSERT INTO alert_history (
        alert_id,
        triggered_price,
        triggered_at,
        notification_sent
    ) VALUES (
        $1,$2,$3,false
    )
    RETURNING id, alert_id, triggered_price, triggered_at, notification_sent;`

	stampAlertSQL = `UPDATE price_alerts
    SET triggered_at = $2, updated_at = now()
    WHERE id = $1;`

	clearAlertSQL = `UPDATE price_alerts
    SET triggered_at = NULL, updated_at = now()
    WHERE id = $1;`

	markNotificationSentSQL = `UPDATE alert_history
    SET notification_sent = true
    WHERE id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceReader resolves the newest stored reading of an instrument.
type PriceReader interface {
	LatestPrice(ctx context.Context, inst market.Instrument) (PriceRow, error)
}

// PriceStore defines operations for the price time series.
type PriceStore interface {
	PriceReader
	InsertPrice(ctx context.Context, row PriceRow) error
	ListRecentPrices(ctx context.Context, inst market.Instrument, limit int) ([]PriceRow, error)
	ListPricesBetween(ctx context.Context, inst market.Instrument, from, to time.Time) ([]PriceRow, error)
}

// AlertStore defines the alert operations the engine is allowed to perform.
type AlertStore interface {
	ActiveAlerts(ctx context.Context) ([]AlertRule, error)
	RecordTrigger(ctx context.Context, alertID int64, price decimal.Decimal, at time.Time) (TriggerEvent, error)
	ClearTrigger(ctx context.Context, alertID int64) error
	MarkNotificationSent(ctx context.Context, eventID int64) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to prices and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock is dropped with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertPrice appends one reading.
func (s *Store) InsertPrice(ctx context.Context, row PriceRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertPriceSQL,
		string(row.Instrument),
		row.PriceUSD.String(),
		nullDecimalArg(row.PriceEUR),
		nullDecimalArg(row.PriceGBP),
		nullDecimalArg(row.PriceINR),
		row.BidPrice.String(),
		row.AskPrice.String(),
		row.Change24h.String(),
		row.ChangePercentage.String(),
		row.High24h.String(),
		row.Low24h.String(),
		row.Source,
		row.Timestamp,
	)
	if execErr != nil {
		return fmt.Errorf("insert %s price: %w", row.Instrument, execErr)
	}
	return nil
}

// LatestPrice returns the row with the greatest timestamp for inst.
func (s *Store) LatestPrice(ctx context.Context, inst market.Instrument) (PriceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceRow{}, err
	}

	rows, queryErr := pool.Query(ctx, latestPriceSQL, string(inst))
	if queryErr != nil {
		return PriceRow{}, fmt.Errorf("latest %s price: %w", inst, queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return PriceRow{}, rows.Err()
		}
		return PriceRow{}, fmt.Errorf("%w for %s", ErrNoPrice, inst)
	}
	return scanPriceRow(rows)
}

// ListRecentPrices lists the newest rows for inst, newest first.
func (s *Store) ListRecentPrices(ctx context.Context, inst market.Instrument, limit int) ([]PriceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPricesSQL, string(inst), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent prices: %w", queryErr)
	}
	defer rows.Close()

	return collectPriceRows(rows, limit)
}

// ListPricesBetween lists rows for inst within [from, to), oldest first.
func (s *Store) ListPricesBetween(ctx context.Context, inst market.Instrument, from, to time.Time) ([]PriceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPricesBetweenSQL, string(inst), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list prices between: %w", queryErr)
	}
	defer rows.Close()

	return collectPriceRows(rows, 0)
}

// ActiveAlerts loads every rule with is_active = true.
func (s *Store) ActiveAlerts(ctx context.Context) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, activeAlertsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active alerts: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]AlertRule, 0)
	for rows.Next() {
		var (
			rule        AlertRule
			metal       string
			targetStr   string
			condition   string
			currency    string
			triggeredAt sql.NullTime
		)
		if err := rows.Scan(
			&rule.ID,
			&rule.UserID,
			&metal,
			&targetStr,
			&condition,
			&currency,
			&rule.Active,
			&triggeredAt,
		); err != nil {
			return nil, err
		}

		rule.Instrument = market.Instrument(metal)
		rule.Condition = Condition(condition)
		rule.Currency = market.Currency(currency)
		rule.TargetPrice, err = decimal.NewFromString(targetStr)
		if err != nil {
			return nil, fmt.Errorf("parse target price of alert %d: %w", rule.ID, err)
		}
		if triggeredAt.Valid {
			ts := triggeredAt.Time
			rule.TriggeredAt = &ts
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// RecordTrigger appends a history entry and stamps the rule in one transaction.
func (s *Store) RecordTrigger(ctx context.Context, alertID int64, price decimal.Decimal, at time.Time) (TriggerEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return TriggerEvent{}, err
	}

	var event TriggerEvent
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var priceStr string
		if err := tx.QueryRow(ctx, insertHistorySQL, alertID, price.String(), at).Scan(
			&event.ID,
			&event.AlertID,
			&priceStr,
			&event.TriggeredAt,
			&event.NotificationSent,
		); err != nil {
			return fmt.Errorf("insert alert history: %w", err)
		}

		var convErr error
		event.TriggeredPrice, convErr = decimal.NewFromString(priceStr)
		if convErr != nil {
			return fmt.Errorf("parse triggered price: %w", convErr)
		}

		if _, err := tx.Exec(ctx, stampAlertSQL, alertID, at); err != nil {
			return fmt.Errorf("stamp alert: %w", err)
		}
		return nil
	})
	if txErr != nil {
		return TriggerEvent{}, fmt.Errorf("record trigger for alert %d: %w", alertID, txErr)
	}
	return event, nil
}

// ClearTrigger resets triggered_at so the rule can fire again.
func (s *Store) ClearTrigger(ctx context.Context, alertID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, clearAlertSQL, alertID)
	if execErr != nil {
		return fmt.Errorf("clear trigger for alert %d: %w", alertID, execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// MarkNotificationSent flags a history entry as delivered.
func (s *Store) MarkNotificationSent(ctx context.Context, eventID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markNotificationSentSQL, eventID)
	if execErr != nil {
		return fmt.Errorf("mark notification sent: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func nullDecimalArg(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func collectPriceRows(rows pgx.Rows, capacity int) ([]PriceRow, error) {
	out := make([]PriceRow, 0, capacity)
	for rows.Next() {
		row, err := scanPriceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanPriceRow(rows pgx.Rows) (PriceRow, error) {
	var (
		row       PriceRow
		metal     string
		usdStr    string
		eurStr    sql.NullString
		gbpStr    sql.NullString
		inrStr    sql.NullString
		bidStr    sql.NullString
		askStr    sql.NullString
		changeStr sql.NullString
		pctStr    sql.NullString
		highStr   sql.NullString
		lowStr    sql.NullString
		source    sql.NullString
	)

	if err := rows.Scan(
		&row.ID,
		&metal,
		&usdStr,
		&eurStr,
		&gbpStr,
		&inrStr,
		&bidStr,
		&askStr,
		&changeStr,
		&pctStr,
		&highStr,
		&lowStr,
		&source,
		&row.Timestamp,
	); err != nil {
		return PriceRow{}, err
	}

	row.Instrument = market.Instrument(metal)
	row.Source = source.String

	var err error
	if row.PriceUSD, err = decimal.NewFromString(usdStr); err != nil {
		return PriceRow{}, fmt.Errorf("parse price_usd: %w", err)
	}

	nullable := []struct {
		name string
		src  sql.NullString
		dst  *decimal.NullDecimal
	}{
		{"price_eur", eurStr, &row.PriceEUR},
		{"price_gbp", gbpStr, &row.PriceGBP},
		{"price_inr", inrStr, &row.PriceINR},
	}
	for _, col := range nullable {
		if !col.src.Valid {
			continue
		}
		v, err := decimal.NewFromString(col.src.String)
		if err != nil {
			return PriceRow{}, fmt.Errorf("parse %s: %w", col.name, err)
		}
		*col.dst = decimal.NewNullDecimal(v)
	}

	analytics := []struct {
		name string
		src  sql.NullString
		dst  *decimal.Decimal
	}{
		{"bid_price", bidStr, &row.BidPrice},
		{"ask_price", askStr, &row.AskPrice},
		{"change_24h", changeStr, &row.Change24h},
		{"change_percentage", pctStr, &row.ChangePercentage},
		{"high_24h", highStr, &row.High24h},
		{"low_24h", lowStr, &row.Low24h},
	}
	for _, col := range analytics {
		if !col.src.Valid {
			continue
		}
		v, err := decimal.NewFromString(col.src.String)
		if err != nil {
			return PriceRow{}, fmt.Errorf("parse %s: %w", col.name, err)
		}
		*col.dst = v
	}

	return row, nil
}
