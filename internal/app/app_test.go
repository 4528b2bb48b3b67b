package app

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"metalwatch/internal/config"
	"metalwatch/internal/fetcher"
	"metalwatch/internal/market"
	"metalwatch/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			Provider:          config.ProviderGoldAPI,
			RequestTimeout:    time.Second,
			RequestsPerMinute: 30,
			Burst:             2,
		},
		Cache:      config.CacheConfig{TTL: time.Minute, FallbackStep: 0.005},
		Currencies: config.CurrenciesConfig{Rates: map[string]float64{"usd": 1, "eur": 0.92}},
		Alerting: config.AlertingConfig{
			Channels: []string{"log", "telegram"},
		},
		Export: config.ExportConfig{MaxDataPoints: 100},
	}
}

func storedRows(n int) []storage.PriceRow {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]storage.PriceRow, n)
	for i := range rows {
		price := decimal.NewFromInt(int64(2000 + i))
		rows[i] = storage.PriceRow{
			Instrument: market.Gold,
			PriceUSD:   price,
			BidPrice:   price.Mul(decimal.RequireFromString("0.999")),
			AskPrice:   price.Mul(decimal.RequireFromString("1.001")),
			Source:     "Gold API",
			Timestamp:  start.Add(time.Duration(i) * 5 * time.Minute),
		}
		rows[i].SetPrice(market.EUR, price.Mul(decimal.RequireFromString("0.92")))
	}
	return rows
}

func TestNewFetcherWrapsRateLimiter(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	projector, err := a.newProjector()
	require.NoError(t, err)

	f, err := a.newFetcher(projector)
	require.NoError(t, err)
	limited, ok := f.(*fetcher.RateLimited)
	require.True(t, ok)
	require.IsType(t, &fetcher.GoldAPI{}, limited.Next)

	a.Config.Upstream.RequestsPerMinute = 0
	a.Config.Upstream.Provider = config.ProviderScrape
	f, err = a.newFetcher(projector)
	require.NoError(t, err)
	require.IsType(t, &fetcher.Scraper{}, f)

	a.Config.Upstream.Provider = "carrier-pigeon"
	_, err = a.newFetcher(projector)
	require.Error(t, err)
}

func TestNewNotifiersSkipsDisabledChannels(t *testing.T) {
	a := NewApp(testConfig(), zerolog.Nop())
	notifiers, closeAll := a.newNotifiers()
	defer closeAll()
	require.Len(t, notifiers, 1, "telegram is listed but not enabled")
}

func TestDownsampleRows(t *testing.T) {
	rows := storedRows(10)
	require.Len(t, downsampleRows(rows, 0), 10)
	require.Len(t, downsampleRows(rows, 20), 10)

	got := downsampleRows(rows, 4)
	require.Len(t, got, 4)
	require.Equal(t, rows[0].Timestamp, got[0].Timestamp)
	require.Equal(t, rows[9].Timestamp, got[3].Timestamp)

	require.Equal(t, rows[9].Timestamp, downsampleRows(rows, 1)[0].Timestamp)
}

func TestChartSeriesInCurrency(t *testing.T) {
	rows := storedRows(3)
	rows = append(rows, storage.PriceRow{Instrument: market.Gold, PriceUSD: decimal.NewFromInt(1), Timestamp: time.Now()})

	x, price, bid, ask := chartSeries(rows, market.EUR)
	require.Len(t, x, 3, "row without EUR column is dropped")
	require.InDelta(t, 1840, price[0], 1e-9)
	require.InDelta(t, 1840*0.999, bid[0], 1e-6)
	require.InDelta(t, 1840*1.001, ask[0], 1e-6)
}

func TestWritePricesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "charts", "gold.png")
	require.NoError(t, writePricesPNG(path, storedRows(12), market.Gold, market.USD, 640, 360))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Positive(t, info.Size())

	require.Error(t, writePricesPNG(path, storedRows(1), market.Gold, market.USD, 0, 0))
}

func TestWritePriceTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePriceTable(&buf, storedRows(2)))
	out := buf.String()
	require.Contains(t, out, "2000.00")
	require.Contains(t, out, "1840.00")
	require.Contains(t, out, "Gold API")
}

func TestPrintSnapshot(t *testing.T) {
	var buf bytes.Buffer
	snap := market.Snapshot{
		Currency:  market.INR,
		Prices:    map[market.Instrument]float64{market.Gold: 166240, market.Silver: 2078},
		Timestamp: 1735787045,
		Source:    "fallback",
		Degraded:  true,
	}
	require.NoError(t, printSnapshot(&buf, snap))
	out := buf.String()
	require.Contains(t, out, "Price (INR)")
	require.Contains(t, out, "166240.00")
	require.Contains(t, out, "fallback prices")
	require.Contains(t, out, "2025-01-02T03:04:05Z")
}
