package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"metalwatch/internal/market"
)

// Update runs exactly one refresh cycle and exits, for cron-style deployments.
func (a *App) Update(ctx context.Context) error {
	svc, closeAll, err := a.buildService(ctx, nil)
	if err != nil {
		return err
	}
	defer closeAll()

	report, err := svc.RunCycle(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintf(os.Stdout, "cycle %s skipped: %s\n", report.ID, report.SkipReason)
		return nil
	}

	fmt.Fprintf(os.Stdout, "cycle %s source=%s degraded=%t triggered=%d\n",
		report.ID, report.Source, report.Degraded, report.Alerts.Triggered)
	return report.Err()
}

// Prices fetches through the cache and prints the snapshot for cur.
func (a *App) Prices(ctx context.Context, cur market.Currency) error {
	cache, err := a.newCache()
	if err != nil {
		return err
	}

	snap, err := cache.GetPrices(ctx, cur)
	if err != nil {
		return err
	}
	return printSnapshot(os.Stdout, snap)
}

func printSnapshot(w io.Writer, snap market.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Metal\tPrice (%s)\n", snap.Currency)
	for _, inst := range snap.Instruments() {
		fmt.Fprintf(tw, "%s\t%.2f\n", inst, snap.Prices[inst])
	}
	fmt.Fprintf(tw, "\nSource\t%s\n", snap.Source)
	fmt.Fprintf(tw, "As of\t%s\n", time.Unix(snap.Timestamp, 0).UTC().Format(time.RFC3339))
	if snap.Degraded {
		fmt.Fprintln(tw, "Note\tupstream unavailable; fallback prices")
	}
	return tw.Flush()
}
