package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"metalwatch/internal/market"
	"metalwatch/internal/storage"
)

// Export renders stored price history for one metal as a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.PNGPath == "" {
		return errors.New("--png must be provided")
	}
	if opts.Currency == "" {
		opts.Currency = market.BaseCurrency
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := store.ListPricesBetween(ctx, opts.Metal, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Str("metal", string(opts.Metal)).Msg("no prices found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting prices")

	return writePricesPNG(opts.PNGPath, downsampled, opts.Metal, opts.Currency, a.Config.Export.ChartWidth, a.Config.Export.ChartHeight)
}

func downsampleRows(rows []storage.PriceRow, max int) []storage.PriceRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]storage.PriceRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

// chartSeries extracts the price, bid and ask lines in cur. Rows without a value in cur are
// dropped.
func chartSeries(rows []storage.PriceRow, cur market.Currency) (x []time.Time, price, bid, ask []float64) {
	for _, row := range rows {
		p, ok := row.PriceIn(cur)
		if !ok {
			continue
		}
		// bid/ask are stored in USD; scale them with the row's own conversion
		factor := 1.0
		if usd := row.PriceUSD.InexactFloat64(); usd > 0 {
			factor = p.InexactFloat64() / usd
		}
		x = append(x, row.Timestamp)
		price = append(price, p.InexactFloat64())
		bid = append(bid, row.BidPrice.InexactFloat64()*factor)
		ask = append(ask, row.AskPrice.InexactFloat64()*factor)
	}
	return x, price, bid, ask
}

func writePricesPNG(path string, rows []storage.PriceRow, metal market.Instrument, cur market.Currency, width, height int) error {
	x, price, bid, ask := chartSeries(rows, cur)
	if len(x) < 2 {
		return fmt.Errorf("need at least two %s readings in %s to draw a chart, have %d", metal, cur, len(x))
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("%s (%s)", metal, cur),
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           fmt.Sprintf("Price (%s/oz)", cur),
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Bid",
				XValues: x,
				YValues: bid,
			},
			chart.TimeSeries{
				Name:    "Ask",
				XValues: x,
				YValues: ask,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
