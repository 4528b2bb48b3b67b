package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"metalwatch/internal/market"
)

const (
	scraperSource = "goodreturns.in"
	gramsPerOunce = 31.1035
)

var rupeeAmount = regexp.MustCompile(`₹\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)

// ScraperOptions parameterise the rates page scraper.
type ScraperOptions struct {
	URL        string
	Timeout    time.Duration
	UserAgent  string
	Include22K bool
}

// Scraper reads 24k and 22k gold rates (INR per gram) from a public rates page.
type Scraper struct {
	opts      ScraperOptions
	deriver   *Deriver
	projector *market.Projector
	logger    zerolog.Logger
	client    *http.Client
}

// NewScraper constructs a page scraper.
func NewScraper(opts ScraperOptions, deriver *Deriver, projector *market.Projector, logger zerolog.Logger) *Scraper {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.URL == "" {
		opts.URL = "https://www.goodreturns.in/gold-rates/"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}

	return &Scraper{
		opts:      opts,
		deriver:   deriver,
		projector: projector,
		logger:    logger.With().Str("component", "scrape_fetcher").Logger(),
		client:    &http.Client{Timeout: timeout},
	}
}

// FetchBasePrices scrapes the page once and converts per-gram INR into per-ounce base prices.
func (s *Scraper) FetchBasePrices(ctx context.Context, base market.Currency) (market.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return market.Snapshot{}, err
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := s.client.Do(req)
	if err != nil {
		return market.Snapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return market.Snapshot{}, fmt.Errorf("rates page returned %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("parse rates page: %w", err)
	}

	price24k, ok := extract24K(doc)
	if !ok {
		return market.Snapshot{}, fmt.Errorf("%w: 24k rate not found on page", ErrPrimaryUnavailable)
	}

	prices := map[market.Instrument]float64{market.Gold: price24k * gramsPerOunce}
	if s.opts.Include22K {
		if price22k, ok := extract22K(doc); ok {
			prices[market.Gold22K] = price22k * gramsPerOunce
		} else {
			s.logger.Warn().Msg("22k rate not found; deriving from 24k")
		}
	}

	if err := s.deriver.Complete(prices, s.opts.Include22K); err != nil {
		return market.Snapshot{}, err
	}

	snap := market.Snapshot{
		Currency:  market.INR,
		Prices:    prices,
		Timestamp: time.Now().Unix(),
		Source:    scraperSource,
	}
	return rebase(snap, base, s.projector)
}

func extract24K(doc *goquery.Document) (float64, bool) {
	var price float64
	var found bool
	doc.Find("p").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := sel.Text()
		if strings.Contains(text, "per gram for 24 karat gold") {
			price, found = parseRupees(text)
		}
		return !found
	})
	if found {
		return price, true
	}
	return tableGramRate(doc, "24 Carat Gold")
}

func extract22K(doc *goquery.Document) (float64, bool) {
	var price float64
	var found bool
	doc.Find("a").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if strings.Contains(sel.Text(), "22k Gold") {
			price, found = parseRupees(sel.Find("div span").First().Text())
		}
		return !found
	})
	if found {
		return price, true
	}
	return tableGramRate(doc, "22 Carat Gold")
}

// tableGramRate reads the "1 Gram" row of the table following the heading.
func tableGramRate(doc *goquery.Document, heading string) (float64, bool) {
	var price float64
	var found bool
	doc.Find("h2").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if !strings.Contains(h.Text(), heading) {
			return true
		}
		h.NextAll().Find("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
			if strings.Contains(tr.Text(), "1 Gram") {
				price, found = parseRupees(tr.Text())
			}
			return !found
		})
		return !found
	})
	return price, found
}

func parseRupees(text string) (float64, bool) {
	match := rupeeAmount.FindStringSubmatch(text)
	if len(match) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", ""), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

var _ PriceFetcher = (*Scraper)(nil)
