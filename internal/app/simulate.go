package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"metalwatch/internal/market"
)

// SimulateAlert 列出给定价格会触发的规则，不写入任何记录。
func (a *App) SimulateAlert(ctx context.Context, metal market.Instrument, price decimal.Decimal, cur market.Currency) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot load alert rules")
	}
	if closeStore != nil {
		defer closeStore()
	}

	eval := a.newEvaluator(store, nil)
	matched, err := eval.Simulate(ctx, metal, price, cur)
	if err != nil {
		return err
	}
	if len(matched) == 0 {
		fmt.Fprintf(os.Stdout, "no active rule for %s would trigger at USD %s\n", metal, price.String())
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Alert\tUser\tCondition\tTarget\tCurrency\tArmed")
	for _, rule := range matched {
		armed := "yes"
		if a.Config.Alerting.Rearm && rule.TriggeredAt != nil {
			armed = "no (already triggered)"
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\n",
			rule.ID, rule.UserID, rule.Condition, formatDecimal(rule.TargetPrice, 2), rule.Currency, armed)
	}
	return writer.Flush()
}
