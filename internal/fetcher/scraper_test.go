package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metalwatch/internal/market"
)

const ratesPage = `<html><body>
<nav><a href="/gold-rates/">22k Gold <div><span>₹6,600</span></div></a></nav>
<p>The price of gold in India today is ₹7,200 per gram for 24 karat gold and ₹6,600 per gram for 22 karat gold.</p>
</body></html>`

const ratesTablePage = `<html><body>
<h2>24 Carat Gold Rate In India</h2>
<div><table><tr><td>1 Gram</td><td>₹7,200</td></tr><tr><td>8 Gram</td><td>₹57,600</td></tr></table></div>
</body></html>`

func newScraper(url string) *Scraper {
	return NewScraper(ScraperOptions{URL: url, Timeout: time.Second, Include22K: true},
		NewDeriver(DefaultDerivations, 5), market.NewProjector(market.DefaultRates), noopLogger())
}

func TestScraperParsesHeaderAndParagraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(ratesPage))
	}))
	defer srv.Close()

	snap, err := newScraper(srv.URL).FetchBasePrices(context.Background(), market.INR)
	require.NoError(t, err)
	require.Equal(t, market.INR, snap.Currency)
	require.InDelta(t, 7200*gramsPerOunce, snap.Prices[market.Gold], 1e-6)
	require.InDelta(t, 6600*gramsPerOunce, snap.Prices[market.Gold22K], 1e-6)
	require.Equal(t, scraperSource, snap.Source)
}

func TestScraperConvertsToUSD(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ratesTablePage))
	}))
	defer srv.Close()

	snap, err := newScraper(srv.URL).FetchBasePrices(context.Background(), market.USD)
	require.NoError(t, err)
	require.Equal(t, market.USD, snap.Currency)
	require.InDelta(t, 7200*gramsPerOunce/83.12, snap.Prices[market.Gold], 1e-6)
	require.InDelta(t, snap.Prices[market.Gold]*22/24, snap.Prices[market.Gold22K], 1e-6)
}

func TestScraperMissingPrimary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body><p>maintenance</p></body></html>"))
	}))
	defer srv.Close()

	_, err := newScraper(srv.URL).FetchBasePrices(context.Background(), market.USD)
	require.True(t, errors.Is(err, ErrPrimaryUnavailable))
}

func TestParseRupees(t *testing.T) {
	v, ok := parseRupees("1 Gram ₹ 12,345.50 +10")
	require.True(t, ok)
	require.Equal(t, 12345.50, v)

	_, ok = parseRupees("no price here")
	require.False(t, ok)
}
