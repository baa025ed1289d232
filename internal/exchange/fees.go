package exchange

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Default fee rates in percent when a venue is not in the table.
const (
	DefaultMakerFeePct = 0.02
	DefaultTakerFeePct = 0.05
)

// Fee holds one venue's percent fee rates.
type Fee struct {
	MakerPct float64 `json:"maker_pct"`
	TakerPct float64 `json:"taker_pct"`
}

var feeTable = map[string]Fee{
	"binance":     {MakerPct: 0.02, TakerPct: 0.05},
	"bybit":       {MakerPct: 0.02, TakerPct: 0.055},
	"hyperliquid": {MakerPct: 0.015, TakerPct: 0.045},
}

// FeeFor returns the fee schedule for a venue, falling back to defaults.
func FeeFor(venue string) Fee {
	if f, ok := feeTable[strings.ToLower(venue)]; ok {
		return f
	}
	return Fee{MakerPct: DefaultMakerFeePct, TakerPct: DefaultTakerFeePct}
}

// TakerCost returns the taker fee charged on a notional amount.
func (f Fee) TakerCost(notional float64) float64 {
	return feeCost(notional, f.TakerPct)
}

// MakerCost returns the maker fee charged on a notional amount.
func (f Fee) MakerCost(notional float64) float64 {
	return feeCost(notional, f.MakerPct)
}

func feeCost(notional, pct float64) float64 {
	cost, _ := decimal.NewFromFloat(notional).
		Mul(decimal.NewFromFloat(pct)).
		Div(decimal.NewFromInt(100)).
		Float64()
	return cost
}
