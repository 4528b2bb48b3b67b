package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"metalwatch/internal/app"
	"metalwatch/internal/market"
)

var (
	showMetal string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent stored prices for a metal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		metal, err := market.ParseInstrument(showMetal)
		if err != nil {
			return err
		}

		opts := app.ShowOptions{
			Metal: metal,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showMetal, "metal", string(market.Gold), "Metal to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}
