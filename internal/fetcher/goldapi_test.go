package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metalwatch/internal/market"
)

func newGoldAPIServer(t *testing.T, silverStatus int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/price/XAU":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"name":      "Gold",
				"price":     2000.0,
				"symbol":    "XAU",
				"updatedAt": "2025-01-02T03:04:05Z",
			})
		case "/price/XAG":
			if silverStatus != http.StatusOK {
				w.WriteHeader(silverStatus)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"name": "Silver", "price": 25.0, "symbol": "XAG"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGoldAPI(url string) *GoldAPI {
	return NewGoldAPI(GoldAPIOptions{BaseURL: url, Timeout: time.Second}, NewDeriver(DefaultDerivations, 3), market.NewProjector(market.DefaultRates), noopLogger())
}

func TestGoldAPIFetchSuccess(t *testing.T) {
	srv := newGoldAPIServer(t, http.StatusOK)

	snap, err := newTestGoldAPI(srv.URL).FetchBasePrices(context.Background(), market.USD)
	require.NoError(t, err)

	require.Equal(t, market.USD, snap.Currency)
	require.Equal(t, 2000.0, snap.Prices[market.Gold])
	require.Equal(t, 25.0, snap.Prices[market.Silver])
	require.InDelta(t, 1000, snap.Prices[market.Platinum], 50)
	require.InDelta(t, 1300, snap.Prices[market.Palladium], 65)
	require.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC).Unix(), snap.Timestamp)
	require.Equal(t, goldAPISource, snap.Source)
}

func TestGoldAPIDerivesSilverOnPartialFailure(t *testing.T) {
	srv := newGoldAPIServer(t, http.StatusInternalServerError)

	snap, err := newTestGoldAPI(srv.URL).FetchBasePrices(context.Background(), market.USD)
	require.NoError(t, err)
	require.InDelta(t, 25, snap.Prices[market.Silver], 25*0.05+1e-9)
}

func TestGoldAPIConvertsToRequestedBase(t *testing.T) {
	srv := newGoldAPIServer(t, http.StatusOK)

	snap, err := newTestGoldAPI(srv.URL).FetchBasePrices(context.Background(), market.EUR)
	require.NoError(t, err)
	require.Equal(t, market.EUR, snap.Currency)
	require.InDelta(t, 1840, snap.Prices[market.Gold], 1e-9)
}

func TestGoldAPIPrimaryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestGoldAPI(srv.URL).FetchBasePrices(context.Background(), market.USD)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrPrimaryUnavailable))
}

func TestGoldAPIRespectsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	g := NewGoldAPI(GoldAPIOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, NewDeriver(nil, 1), market.NewProjector(market.DefaultRates), noopLogger())
	_, err := g.FetchBasePrices(context.Background(), market.USD)
	require.Error(t, err)
}
