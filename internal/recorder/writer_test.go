package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"metalwatch/internal/market"
	"metalwatch/internal/storage"
)

type memoryStore struct {
	mu        sync.Mutex
	rows      []storage.PriceRow
	failWrite map[market.Instrument]error
	failRead  map[market.Instrument]error
}

func (m *memoryStore) LatestPrice(_ context.Context, inst market.Instrument) (storage.PriceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failRead[inst]; err != nil {
		return storage.PriceRow{}, err
	}
	var (
		latest storage.PriceRow
		found  bool
	)
	for _, row := range m.rows {
		if row.Instrument == inst && (!found || !row.Timestamp.Before(latest.Timestamp)) {
			latest, found = row, true
		}
	}
	if !found {
		return storage.PriceRow{}, storage.ErrNoPrice
	}
	return latest, nil
}

func (m *memoryStore) InsertPrice(_ context.Context, row storage.PriceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failWrite[row.Instrument]; err != nil {
		return err
	}
	m.rows = append(m.rows, row)
	return nil
}

func (m *memoryStore) byInstrument(inst market.Instrument) []storage.PriceRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.PriceRow
	for _, row := range m.rows {
		if row.Instrument == inst {
			out = append(out, row)
		}
	}
	return out
}

func cycleSnapshots(gold float64) map[market.Currency]market.Snapshot {
	base := market.Snapshot{
		Currency: market.USD,
		Prices: map[market.Instrument]float64{
			market.Gold:      gold,
			market.Silver:    24.3,
			market.Platinum:  950.75,
			market.Palladium: 1280.25,
		},
		Timestamp: 1735787045,
		Source:    "Gold API",
	}
	projector := market.NewProjector(market.DefaultRates)
	out := make(map[market.Currency]market.Snapshot)
	for _, cur := range market.Currencies {
		snap, err := projector.ProjectSnapshot(base, cur)
		if err != nil {
			panic(err)
		}
		out[cur] = snap
	}
	return out
}

func newTestWriter(store Store, now time.Time) *Writer {
	return NewWriter(store, Options{Clock: func() time.Time { return now }}, zerolog.Nop())
}

func TestWriteCycleComputesChangeAgainstPrior(t *testing.T) {
	store := &memoryStore{rows: []storage.PriceRow{{
		Instrument: market.Gold,
		PriceUSD:   decimal.NewFromInt(1900),
		Timestamp:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}}}
	w := newTestWriter(store, time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC))

	require.NoError(t, w.WriteCycle(context.Background(), cycleSnapshots(1950)))

	rows := store.byInstrument(market.Gold)
	require.Len(t, rows, 2)
	got := rows[1]
	require.Equal(t, "50", got.Change24h.String())
	require.Equal(t, "2.6316", got.ChangePercentage.String())
	require.Equal(t, "Gold API", got.Source)
	require.Equal(t, time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC), got.Timestamp)
}

func TestWriteCycleFirstReadingHasZeroChange(t *testing.T) {
	store := &memoryStore{}
	w := newTestWriter(store, time.Now())

	require.NoError(t, w.WriteCycle(context.Background(), cycleSnapshots(2000)))

	for _, inst := range market.CoreInstruments {
		rows := store.byInstrument(inst)
		require.Len(t, rows, 1, "instrument %s", inst)
		require.True(t, rows[0].Change24h.IsZero())
		require.True(t, rows[0].ChangePercentage.IsZero())
	}
}

func TestWriteCycleDerivedColumns(t *testing.T) {
	store := &memoryStore{}
	w := newTestWriter(store, time.Now())

	require.NoError(t, w.WriteCycle(context.Background(), cycleSnapshots(2000)))

	row := store.byInstrument(market.Gold)[0]
	require.Equal(t, "2000", row.PriceUSD.String())
	require.Equal(t, "1998", row.BidPrice.String())
	require.Equal(t, "2002", row.AskPrice.String())
	require.Equal(t, "2040", row.High24h.String())
	require.Equal(t, "1960", row.Low24h.String())

	eur, ok := row.PriceIn(market.EUR)
	require.True(t, ok)
	require.Equal(t, "1840", eur.String())
	inr, ok := row.PriceIn(market.INR)
	require.True(t, ok)
	require.Equal(t, "166240", inr.String())
}

func TestWriteCycleIsolatesInstrumentFailures(t *testing.T) {
	boom := errors.New("unique violation")
	store := &memoryStore{failWrite: map[market.Instrument]error{market.Silver: boom}}
	w := newTestWriter(store, time.Now())

	err := w.WriteCycle(context.Background(), cycleSnapshots(2000))
	require.Error(t, err)

	var partial *PartialWriteError
	require.ErrorAs(t, err, &partial)
	require.Equal(t, []market.Instrument{market.Silver}, partial.Instruments())
	require.Equal(t, 4, partial.Total)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "persisted 3 of 4 instruments")

	for _, inst := range []market.Instrument{market.Gold, market.Platinum, market.Palladium} {
		require.Len(t, store.byInstrument(inst), 1, "instrument %s", inst)
	}
	require.Empty(t, store.byInstrument(market.Silver))
}

func TestWriteCyclePriorReadFailureStillPersists(t *testing.T) {
	store := &memoryStore{failRead: map[market.Instrument]error{market.Gold: errors.New("timeout")}}
	w := newTestWriter(store, time.Now())

	require.NoError(t, w.WriteCycle(context.Background(), cycleSnapshots(2000)))
	rows := store.byInstrument(market.Gold)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Change24h.IsZero())
}

func TestWriteCycleRequiresBaseSnapshot(t *testing.T) {
	w := newTestWriter(&memoryStore{}, time.Now())
	snaps := cycleSnapshots(2000)
	delete(snaps, market.USD)
	require.ErrorIs(t, w.WriteCycle(context.Background(), snaps), ErrMissingBase)
}

func TestChange(t *testing.T) {
	diff, pct := Change(decimal.Zero, decimal.NewFromInt(10), 4)
	require.True(t, diff.IsZero())
	require.True(t, pct.IsZero())

	diff, pct = Change(decimal.NewFromInt(2000), decimal.NewFromInt(1950), 4)
	require.Equal(t, "-50", diff.String())
	require.Equal(t, "-2.5", pct.String())
}

func TestWriteCycleStampsIngestionTime(t *testing.T) {
	store := &memoryStore{}
	snaps := cycleSnapshots(2000)
	first := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(5 * time.Minute)

	// the same cached reading persisted by two consecutive cycles
	require.NoError(t, newTestWriter(store, first).WriteCycle(context.Background(), snaps))
	require.NoError(t, newTestWriter(store, second).WriteCycle(context.Background(), snaps))

	rows := store.byInstrument(market.Gold)
	require.Len(t, rows, 2)
	require.Equal(t, first, rows[0].Timestamp)
	require.Equal(t, second, rows[1].Timestamp)
	require.NotEqual(t, time.Unix(snaps[market.USD].Timestamp, 0).UTC(), rows[1].Timestamp)
}
