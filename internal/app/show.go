package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"metalwatch/internal/storage"
)

// Show prints the most recent stored rows for one metal.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show prices")
	}
	if closeStore != nil {
		defer closeStore()
	}

	rows, err := store.ListRecentPrices(ctx, opts.Metal, opts.Limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintf(os.Stdout, "no prices stored for %s\n", opts.Metal)
		return nil
	}

	return writePriceTable(os.Stdout, rows)
}

func writePriceTable(w io.Writer, rows []storage.PriceRow) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tUSD\tEUR\tGBP\tINR\tBid\tAsk\tChange\tChange%\tSource")

	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Timestamp.UTC().Format(time.RFC3339),
			formatDecimal(row.PriceUSD, 2),
			formatNullDecimal(row.PriceEUR, 2),
			formatNullDecimal(row.PriceGBP, 2),
			formatNullDecimal(row.PriceINR, 2),
			formatDecimal(row.BidPrice, 2),
			formatDecimal(row.AskPrice, 2),
			formatDecimal(row.Change24h, 2),
			formatDecimal(row.ChangePercentage, 3),
			row.Source,
		)
	}

	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatNullDecimal(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(places)
}
