// Package performance computes trading metrics from closed trade history
// and renders them as prompt context for the decision stages.
package performance

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/logging"
)

// Metrics summarizes a window of closed trades. MaxDrawdown is a fraction
// (0.15 means 15%) so it compares directly against risk limit settings;
// everything else percent-denominated carries the pct suffix.
type Metrics struct {
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	AvgReturnPct   float64 `json:"avg_return_pct"`
	TotalReturnUSD float64 `json:"total_return_usd"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	AvgWinPct      float64 `json:"avg_win_pct"`
	AvgLossPct     float64 `json:"avg_loss_pct"`
	ProfitFactor   float64 `json:"profit_factor"`
}

// TradeSource is the slice of the trade repository the service needs.
// *database.Repository satisfies it.
type TradeSource interface {
	RecentClosed(ctx context.Context, botID int64, limit int) ([]*database.Trade, error)
}

// DefaultWindow is how many closed trades feed the metrics.
const DefaultWindow = 50

// Service calculates metrics per bot from trade history.
type Service struct {
	trades TradeSource
	log    zerolog.Logger
}

// NewService wires a metrics service over the trade repository.
func NewService(trades TradeSource) *Service {
	return &Service{trades: trades, log: logging.Component("performance")}
}

// Calculate builds metrics from the bot's last window closed trades. A
// window at or below zero uses DefaultWindow.
func (s *Service) Calculate(ctx context.Context, botID int64, window int) (Metrics, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	trades, err := s.trades.RecentClosed(ctx, botID, window)
	if err != nil {
		return Metrics{}, fmt.Errorf("load closed trades: %w", err)
	}
	m := FromTrades(trades)
	s.log.Debug().
		Int64("bot_id", botID).
		Int("trades", m.TotalTrades).
		Float64("win_rate", m.WinRate).
		Float64("sharpe", m.SharpeRatio).
		Msg("performance window computed")
	return m, nil
}

// RecentSummary renders the newest trades as numbered prompt lines.
func (s *Service) RecentSummary(ctx context.Context, botID int64, limit int) (string, error) {
	trades, err := s.trades.RecentClosed(ctx, botID, limit)
	if err != nil {
		return "", fmt.Errorf("load closed trades: %w", err)
	}
	return SummaryText(trades), nil
}

// FromTrades computes metrics over closed trades given newest-first, the
// order RecentClosed returns them in. Trades without a recorded return are
// excluded from the statistics.
func FromTrades(trades []*database.Trade) Metrics {
	var returnsPct []float64
	totalUSD := 0.0
	for _, t := range trades {
		if t.PnLPercent != nil {
			returnsPct = append(returnsPct, *t.PnLPercent)
		}
		if t.PnL != nil {
			totalUSD += *t.PnL
		}
	}
	if len(returnsPct) == 0 {
		return Metrics{TotalTrades: len(trades)}
	}

	m := Metrics{
		TotalTrades:    len(returnsPct),
		TotalReturnUSD: totalUSD,
	}

	var sum, winSum, lossSum float64
	for _, r := range returnsPct {
		sum += r
		switch {
		case r > 0:
			m.WinningTrades++
			winSum += r
		case r < 0:
			m.LosingTrades++
			lossSum += r
		}
	}
	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	m.AvgReturnPct = sum / float64(m.TotalTrades)
	if m.WinningTrades > 0 {
		m.AvgWinPct = winSum / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLossPct = lossSum / float64(m.LosingTrades)
	}
	if lossSum < 0 {
		m.ProfitFactor = winSum / -lossSum
	}
	m.SharpeRatio = sharpe(returnsPct)

	// The equity curve runs oldest to newest; the input is newest-first.
	chrono := make([]float64, len(returnsPct))
	for i, r := range returnsPct {
		chrono[len(returnsPct)-1-i] = r
	}
	m.MaxDrawdown = maxDrawdown(chrono)
	return m
}

// sharpe is mean over sample standard deviation, unannualized, with a zero
// risk-free rate. Per-trade windows are too short for annualizing to mean
// anything.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std
}

// maxDrawdown compounds the percent returns into an equity curve starting
// at 1.0 and returns the deepest peak-to-trough fall as a fraction.
func maxDrawdown(chrono []float64) float64 {
	if len(chrono) == 0 {
		return 0
	}
	equity := 1.0
	peak := 1.0
	maxDD := 0.0
	for _, r := range chrono {
		equity *= 1 + r/100
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// ConsecutiveLosses counts the losing streak at the head of a newest-first
// trade list. A win or flat trade ends the streak; trades without a return
// are skipped.
func ConsecutiveLosses(trades []*database.Trade) int {
	streak := 0
	for _, t := range trades {
		if t.PnLPercent == nil {
			continue
		}
		if *t.PnLPercent < 0 {
			streak++
			continue
		}
		break
	}
	return streak
}

// PromptText renders the metrics for a decision prompt, with guidance bands
// keyed off the Sharpe ratio.
func (m Metrics) PromptText() string {
	if m.TotalTrades == 0 {
		return "No historical trades yet.\n"
	}

	var b strings.Builder
	b.WriteString("Historical Performance:\n")
	b.WriteString("-------------------\n")
	fmt.Fprintf(&b, "  Total Trades: %d\n", m.TotalTrades)
	fmt.Fprintf(&b, "  Win Rate: %.1f%%\n", m.WinRate)
	fmt.Fprintf(&b, "  Sharpe Ratio: %.2f\n", m.SharpeRatio)
	fmt.Fprintf(&b, "  Avg Return per Trade: %.2f%%\n", m.AvgReturnPct)
	fmt.Fprintf(&b, "  Total Return: $%.2f\n", m.TotalReturnUSD)
	fmt.Fprintf(&b, "  Max Drawdown: %.2f%%\n", m.MaxDrawdown*100)

	switch {
	case m.SharpeRatio < -0.5:
		b.WriteString("\n  WARNING: Sharpe < -0.5, sustained losses.\n")
		b.WriteString("  Guidance: stop trading and observe for at least 6 cycles before opening anything.\n")
	case m.SharpeRatio < 0:
		b.WriteString("\n  CAUTION: Sharpe < 0, slight losses.\n")
		b.WriteString("  Guidance: only take trades with confidence above 80 and reduce frequency.\n")
	case m.SharpeRatio > 0.7:
		b.WriteString("\n  EXCELLENT: Sharpe > 0.7, strong performance.\n")
		b.WriteString("  Guidance: position sizes may be scaled up moderately.\n")
	}

	b.WriteString("-------------------\n")
	return b.String()
}

// SummaryText renders trades as numbered one-liners for prompt context.
func SummaryText(trades []*database.Trade) string {
	if len(trades) == 0 {
		return "No recent trades.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent %d Trades:\n", len(trades))
	for i, t := range trades {
		pnl := 0.0
		if t.PnLPercent != nil {
			pnl = *t.PnLPercent
		}
		outcome := "flat"
		switch {
		case pnl > 0:
			outcome = "win"
		case pnl < 0:
			outcome = "loss"
		}
		fmt.Fprintf(&b, "  %d. %s %s: %+.2f%% (%s)\n", i+1, t.Symbol, t.Side, pnl, outcome)
	}
	return b.String()
}
