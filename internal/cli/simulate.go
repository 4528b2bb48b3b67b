package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"metalwatch/internal/market"
)

var (
	simulateMetal    string
	simulatePrice    float64
	simulateCurrency string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "列出给定价格会触发的告警规则（不落库）",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}
		metal, err := market.ParseInstrument(simulateMetal)
		if err != nil {
			return err
		}

		var cur market.Currency
		if simulateCurrency != "" {
			if cur, err = market.ParseCurrency(simulateCurrency); err != nil {
				return err
			}
		}

		return getApp().SimulateAlert(cmd.Context(), metal, decimal.NewFromFloat(simulatePrice), cur)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMetal, "metal", string(market.Gold), "金属品种")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "假设的最新 USD 价格")
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "", "只匹配标注该币种的规则（默认全部）")
}
