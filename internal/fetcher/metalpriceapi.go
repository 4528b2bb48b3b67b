package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"metalwatch/internal/market"
)

const metalPriceAPISource = "Metal Price API"

var metalSymbols = map[string]market.Instrument{
	"XAU": market.Gold,
	"XAG": market.Silver,
	"XPT": market.Platinum,
	"XPD": market.Palladium,
}

// MetalPriceAPIOptions parameterise the metalpriceapi.com fetcher.
type MetalPriceAPIOptions struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	UserAgent  string
	Include22K bool
}

// MetalPriceAPI prices all four metals in one call to metalpriceapi.com.
type MetalPriceAPI struct {
	opts      MetalPriceAPIOptions
	deriver   *Deriver
	projector *market.Projector
	logger    zerolog.Logger
	client    *http.Client
	baseURL   string
}

// NewMetalPriceAPI constructs a metalpriceapi.com fetcher.
func NewMetalPriceAPI(opts MetalPriceAPIOptions, deriver *Deriver, projector *market.Projector, logger zerolog.Logger) *MetalPriceAPI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.metalpriceapi.com/v1"
	}

	return &MetalPriceAPI{
		opts:      opts,
		deriver:   deriver,
		projector: projector,
		logger:    logger.With().Str("component", "metalpriceapi_fetcher").Logger(),
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
	}
}

// FetchBasePrices requests USD-based rates and inverts them into per-ounce prices.
func (m *MetalPriceAPI) FetchBasePrices(ctx context.Context, base market.Currency) (market.Snapshot, error) {
	if m.opts.APIKey == "" {
		return market.Snapshot{}, fmt.Errorf("metalpriceapi api key not configured")
	}

	query := url.Values{}
	query.Set("api_key", m.opts.APIKey)
	query.Set("base", string(market.USD))
	query.Set("currencies", "XAU,XAG,XPT,XPD")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/latest?"+query.Encode(), nil)
	if err != nil {
		return market.Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return market.Snapshot{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return market.Snapshot{}, err
	}

	var res latestResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		if resp.StatusCode != http.StatusOK {
			return market.Snapshot{}, fmt.Errorf("metalpriceapi error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
		}
		return market.Snapshot{}, fmt.Errorf("decode latest rates: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !res.Success {
		return market.Snapshot{}, res.err(resp.StatusCode)
	}

	prices := make(map[market.Instrument]float64, len(metalSymbols))
	for symbol, inst := range metalSymbols {
		rate, ok := res.Rates[symbol]
		if !ok || rate <= 0 {
			continue
		}
		// rates are ounces per unit of base currency
		prices[inst] = 1 / rate
	}
	if _, ok := prices[market.Gold]; !ok {
		return market.Snapshot{}, fmt.Errorf("%w: XAU missing from response", ErrPrimaryUnavailable)
	}
	if missing := len(metalSymbols) - len(prices); missing > 0 {
		m.logger.Warn().Int("missing", missing).Msg("partial rates returned; deriving missing metals")
	}

	if err := m.deriver.Complete(prices, m.opts.Include22K); err != nil {
		return market.Snapshot{}, err
	}

	ts := res.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	snap := market.Snapshot{
		Currency:  market.USD,
		Prices:    prices,
		Timestamp: ts,
		Source:    metalPriceAPISource,
	}
	return rebase(snap, base, m.projector)
}

type latestResponse struct {
	Success   bool               `json:"success"`
	Base      string             `json:"base"`
	Timestamp int64              `json:"timestamp"`
	Rates     map[string]float64 `json:"rates"`
	Error     *struct {
		StatusCode int    `json:"statusCode"`
		Message    string `json:"message"`
	} `json:"error"`
}

func (r latestResponse) err(status int) error {
	if r.Error != nil && r.Error.Message != "" {
		return fmt.Errorf("metalpriceapi error (%d): %s", status, r.Error.Message)
	}
	return fmt.Errorf("metalpriceapi error (%d)", status)
}

var _ PriceFetcher = (*MetalPriceAPI)(nil)
