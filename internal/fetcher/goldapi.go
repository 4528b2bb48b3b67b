package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metalwatch/internal/market"
)

const goldAPISource = "Gold API"

// GoldAPIOptions parameterise the gold-api.com fetcher.
type GoldAPIOptions struct {
	BaseURL    string
	Timeout    time.Duration
	UserAgent  string
	Include22K bool
}

// GoldAPI prices gold and silver from gold-api.com and derives the rest.
type GoldAPI struct {
	opts      GoldAPIOptions
	deriver   *Deriver
	projector *market.Projector
	logger    zerolog.Logger
	client    *http.Client
	baseURL   string
}

// NewGoldAPI constructs a gold-api.com fetcher.
func NewGoldAPI(opts GoldAPIOptions, deriver *Deriver, projector *market.Projector, logger zerolog.Logger) *GoldAPI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.gold-api.com"
	}

	return &GoldAPI{
		opts:      opts,
		deriver:   deriver,
		projector: projector,
		logger:    logger.With().Str("component", "goldapi_fetcher").Logger(),
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
	}
}

// FetchBasePrices fetches XAU and XAG concurrently. A failed XAG lookup falls back to a derived
// silver price; a failed XAU lookup fails the whole fetch.
func (g *GoldAPI) FetchBasePrices(ctx context.Context, base market.Currency) (market.Snapshot, error) {
	var (
		gold      spotQuote
		silver    spotQuote
		silverErr error
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		q, err := g.fetchSymbol(egCtx, "XAU")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPrimaryUnavailable, err)
		}
		gold = q
		return nil
	})
	eg.Go(func() error {
		silver, silverErr = g.fetchSymbol(egCtx, "XAG")
		return nil
	})
	if err := eg.Wait(); err != nil {
		return market.Snapshot{}, err
	}

	prices := map[market.Instrument]float64{market.Gold: gold.Price}
	if silverErr != nil {
		g.logger.Warn().Err(silverErr).Msg("silver quote unavailable; deriving from gold")
	} else {
		prices[market.Silver] = silver.Price
	}

	if err := g.deriver.Complete(prices, g.opts.Include22K); err != nil {
		return market.Snapshot{}, err
	}

	snap := market.Snapshot{
		Currency:  market.USD,
		Prices:    prices,
		Timestamp: gold.unix(),
		Source:    goldAPISource,
	}
	return rebase(snap, base, g.projector)
}

func (g *GoldAPI) fetchSymbol(ctx context.Context, symbol string) (spotQuote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/price/"+symbol, nil)
	if err != nil {
		return spotQuote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(g.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return spotQuote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return spotQuote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return spotQuote{}, fmt.Errorf("gold api error (%d) for %s: %s", resp.StatusCode, symbol, strings.TrimSpace(string(payload)))
	}

	var q spotQuote
	if err := json.Unmarshal(payload, &q); err != nil {
		return spotQuote{}, fmt.Errorf("decode %s quote: %w", symbol, err)
	}
	if q.Price <= 0 {
		return spotQuote{}, fmt.Errorf("gold api returned non-positive price for %s", symbol)
	}
	return q, nil
}

type spotQuote struct {
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Symbol    string  `json:"symbol"`
	UpdatedAt string  `json:"updatedAt"`
}

func (q spotQuote) unix() int64 {
	if ts, err := time.Parse(time.RFC3339, q.UpdatedAt); err == nil {
		return ts.Unix()
	}
	return time.Now().Unix()
}

var _ PriceFetcher = (*GoldAPI)(nil)
