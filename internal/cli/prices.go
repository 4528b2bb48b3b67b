package cli

import (
	"github.com/spf13/cobra"

	"metalwatch/internal/market"
)

var pricesCurrency string

var pricesCmd = &cobra.Command{
	Use:   "prices",
	Short: "Fetch current prices through the cache and print them",
	RunE: func(cmd *cobra.Command, args []string) error {
		cur, err := market.ParseCurrency(pricesCurrency)
		if err != nil {
			return err
		}
		return getApp().Prices(cmd.Context(), cur)
	},
}

func init() {
	pricesCmd.Flags().StringVar(&pricesCurrency, "currency", string(market.BaseCurrency), "Currency to display (USD, EUR, GBP, INR)")
}
