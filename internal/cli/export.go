package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"metalwatch/internal/app"
	"metalwatch/internal/market"
)

var (
	exportMetal     string
	exportCurrency  string
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Render stored price history as a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		metal, err := market.ParseInstrument(exportMetal)
		if err != nil {
			return err
		}
		cur, err := market.ParseCurrency(exportCurrency)
		if err != nil {
			return err
		}

		opts := app.ExportOptions{
			Metal:     metal,
			Currency:  cur,
			PNGPath:   exportPNGPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportMetal, "metal", string(market.Gold), "Metal to chart")
	exportCmd.Flags().StringVar(&exportCurrency, "currency", string(market.BaseCurrency), "Currency of the price axis")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to plot (defaults to config)")
}
