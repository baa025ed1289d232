package debate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/performance"
)

// BuildMarketContext renders the shared prompt context every debate role
// sees: performance, execution alerts, risk constraints, account state,
// open positions and the per-symbol candidate data.
func BuildMarketContext(in Input) string {
	var b strings.Builder

	if in.Performance != nil && in.Performance.TotalTrades > 0 {
		b.WriteString("## Performance\n")
		b.WriteString(in.Performance.PromptText())
		b.WriteString("\n")
	}

	if len(in.Alerts) > 0 {
		b.WriteString("## Execution Alerts (previous cycle)\n")
		for _, alert := range in.Alerts {
			fmt.Fprintf(&b, "- %s\n", alert)
		}
		b.WriteString("Do not resubmit an order that just failed. Fix the cause or pick a different trade.\n\n")
	}

	writeConstraints(&b, in)
	writeAccount(&b, in)
	writePositions(&b, in)
	writeCandidates(&b, in)

	return b.String()
}

func writeConstraints(b *strings.Builder, in Input) {
	limits := in.Limits
	b.WriteString("## Risk Constraints\n")
	fmt.Fprintf(b, "- Max total allocation: %.1f%% of free balance\n", limits.MaxTotalAllocationPct)
	fmt.Fprintf(b, "- Max per-symbol allocation: %.1f%%\n", limits.MaxSingleAllocationPct)
	fmt.Fprintf(b, "- Position size: %.2f to %.2f USDT\n", limits.MinPositionSizeUSD, limits.MaxPositionSizeUSD)
	fmt.Fprintf(b, "- Min risk/reward ratio: %.1f\n", limits.MinRiskRewardRatio)
	fmt.Fprintf(b, "- Max leverage: %.0fx, default %.0fx\n", limits.MaxLeverage, limits.DefaultLeverage)
	if limits.FundingRateCheckEnabled {
		fmt.Fprintf(b, "- Max funding rate: %.4f%% (longs above this are rejected)\n", limits.MaxFundingRatePct)
	}
	b.WriteString("\n")
}

func writeAccount(b *strings.Builder, in Input) {
	if in.Account == nil {
		return
	}
	acc := in.Account
	b.WriteString("## Account\n")
	fmt.Fprintf(b, "- Total equity: %.2f %s\n", acc.Total, acc.Asset)
	fmt.Fprintf(b, "- Free balance: %.2f %s (allocation percentages apply to this)\n", acc.Free, acc.Asset)
	fmt.Fprintf(b, "- Margin in use: %.2f %s\n", acc.Used, acc.Asset)

	capUSD := acc.Free * in.Limits.MaxTotalAllocationPct / 100
	available := capUSD - acc.Used
	if available < 0 {
		available = 0
	}
	fmt.Fprintf(b, "- Available for new positions: %.2f %s (cap %.1f%% of free balance)\n",
		available, acc.Asset, in.Limits.MaxTotalAllocationPct)
	if acc.Total > 0 {
		fmt.Fprintf(b, "- Margin usage: %.1f%%\n", acc.Used/acc.Total*100)
	}
	fmt.Fprintf(b, "- Example: a 10%% allocation is %.2f %s of margin.\n\n", acc.Free*0.10, acc.Asset)
}

func writePositions(b *strings.Builder, in Input) {
	if len(in.Positions) == 0 {
		b.WriteString("## Open Positions\nNone.\n\n")
		return
	}
	b.WriteString("## Open Positions\n")
	for _, pos := range in.Positions {
		current := pos.MarkPrice
		if feat, ok := in.Features[pos.Symbol]; ok && feat.Snapshot.Price > 0 {
			current = feat.Snapshot.Price
		}
		if current == 0 {
			current = pos.EntryPrice
		}
		pnlPct := pricePnLPct(pos, current)

		fmt.Fprintf(b, "- %s %s: entry %s, current %s, price move %+.2f%%\n",
			pos.Symbol, pos.Side, formatPrice(pos.EntryPrice), formatPrice(current), pnlPct)
		margin := 0.0
		if pos.Leverage > 0 {
			margin = pos.Notional / float64(pos.Leverage)
		}
		fmt.Fprintf(b, "  amount %s, leverage %dx, margin %.2f, unrealized PnL %.2f (%.1f%% on margin)\n",
			trimZeros(pos.Contracts), pos.Leverage, margin, pos.UnrealizedPnL, pos.PnLPercent())
		fmt.Fprintf(b, "  %s\n", positionAdvice(pnlPct))
	}
	b.WriteString("\n")
}

// pricePnLPct is the unleveraged price move in the position's favor.
func pricePnLPct(pos exchange.Position, current float64) float64 {
	if pos.EntryPrice == 0 {
		return 0
	}
	if pos.Side == exchange.PositionShort {
		return (pos.EntryPrice - current) / pos.EntryPrice * 100
	}
	return (current - pos.EntryPrice) / pos.EntryPrice * 100
}

func positionAdvice(pnlPct float64) string {
	switch {
	case pnlPct >= 10:
		return "Well in profit. Consider taking profit or tightening the stop."
	case pnlPct >= 5:
		return "In good profit."
	case pnlPct > 0:
		return "Holding a small gain."
	case pnlPct > -3:
		return "Slight loss, within tolerance."
	default:
		return "At or past the stop-loss threshold. Close this position or defend it now."
	}
}

func writeCandidates(b *strings.Builder, in Input) {
	b.WriteString("## Candidate Symbols\n")
	for _, symbol := range in.Symbols {
		feat, ok := in.Features[symbol]
		if !ok {
			fmt.Fprintf(b, "### %s\nNo market data this cycle.\n", symbol)
			continue
		}
		snap := feat.Snapshot
		fmt.Fprintf(b, "### %s\n", symbol)
		fmt.Fprintf(b, "- Price: %s, trend %s, momentum %+.2f%%\n", formatPrice(snap.Price), snap.Trend, snap.MomentumPct)
		fmt.Fprintf(b, "- RSI: %.1f, MACD %s / signal %s, volume ratio %.2f\n",
			snap.RSI, trimZeros(snap.MACD), trimZeros(snap.MACDSignal), snap.VolumeRatio)
		if feat.QuantBreakdown != nil {
			fmt.Fprintf(b, "- Quant score: %.1f/100 (%s)\n", feat.QuantScore, breakdownText(feat.QuantBreakdown))
		}
		fundingPct := feat.FundingRate * 100
		fmt.Fprintf(b, "- Funding rate: %.4f%%", fundingPct)
		if in.Limits.FundingRateCheckEnabled && fundingPct > in.Limits.MaxFundingRatePct {
			fmt.Fprintf(b, " (over the %.4f%% limit, longs here will be rejected)", in.Limits.MaxFundingRatePct)
		}
		b.WriteString("\n")
	}
}

func breakdownText(breakdown map[string]float64) string {
	parts := make([]string, 0, len(breakdown))
	for _, name := range sortedLevelNames(breakdown) {
		parts = append(parts, fmt.Sprintf("%s %.0f", name, breakdown[name]))
	}
	return strings.Join(parts, ", ")
}

func historyText(in Input) string {
	var b strings.Builder
	if len(in.History) == 0 {
		b.WriteString("No recent trades.\n")
		return b.String()
	}
	b.WriteString(performance.SummaryText(in.History))
	if streak := performance.ConsecutiveLosses(in.History); streak >= 2 {
		fmt.Fprintf(&b, "Warning: %d consecutive losing trades. Size down or stand aside unless a setup is clearly better than the recent losers.\n", streak)
	}
	return b.String()
}

func sortedLevelNames(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// formatPrice keeps more decimals for small-cap prices.
func formatPrice(v float64) string {
	switch {
	case v >= 100 || v <= -100:
		return strconv.FormatFloat(v, 'f', 2, 64)
	case v >= 1 || v <= -1:
		return strconv.FormatFloat(v, 'f', 4, 64)
	default:
		return strconv.FormatFloat(v, 'f', 6, 64)
	}
}

// trimZeros renders a float without trailing zero noise.
func trimZeros(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
