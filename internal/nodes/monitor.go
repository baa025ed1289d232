package nodes

import (
	"context"
	"strings"

	"github.com/stratoforge/quantra/internal/pipeline"
	"github.com/stratoforge/quantra/internal/risk"
)

// riskHistoryWindow is how many closed trades the breaker checks see.
const riskHistoryWindow = 50

// RiskMonitor reviews the debate's decisions against the bot's limits and
// runs the trailing-stop check over open positions. Rejected opens are
// flipped to wait inside the review; trailing proposals land in the cycle
// state for the executor.
type RiskMonitor struct{}

func (*RiskMonitor) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           NameRiskMonitor,
		DisplayName:    "Risk Monitor",
		Category:       pipeline.CategoryMonitoring,
		InsertAfter:    NameDebate,
		SuggestedOrder: 50,
	}
}

func (n *RiskMonitor) Run(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps) error {
	history, err := deps.Trades.RecentClosed(ctx, deps.Bot.ID, riskHistoryWindow)
	if err != nil {
		deps.Log.Warn().Err(err).Msg("trade history unavailable for risk review")
	}

	marketData := make(map[string]risk.SymbolMarket, len(state.Runs))
	for symbol, run := range state.Runs {
		if run.Indicators == nil {
			continue
		}
		marketData[symbol] = risk.SymbolMarket{
			Price:       run.Indicators.Price,
			FundingRate: run.FundingRate,
		}
	}

	var maxDrawdown float64
	if state.Performance != nil {
		maxDrawdown = state.Performance.MaxDrawdown
	}

	in := risk.ReviewInput{
		Limits:      deps.Bot.Risk,
		Account:     state.Balance,
		Positions:   state.Positions,
		Market:      marketData,
		History:     history,
		MaxDrawdown: maxDrawdown,
	}
	if state.Debate != nil {
		in.Decisions = state.Debate.Final.Decisions
	}

	review := risk.NewMonitor(deps.Log).Review(in)

	if state.Debate != nil {
		state.Debate.Final.Decisions = review.Decisions
		for i := range review.Decisions {
			d := review.Decisions[i]
			if run, ok := state.Runs[d.Symbol]; ok {
				run.Decision = &d
			}
		}
	}
	for symbol, reasons := range review.Rejections {
		state.AddError(NameRiskMonitor, symbol, strings.Join(reasons, "; "))
	}
	if review.PauseBot {
		state.PauseRequested = true
		state.PauseReasons = append(state.PauseReasons, review.PauseReasons...)
		for _, reason := range review.PauseReasons {
			deps.Bus.PublishRiskBreaker(state.BotID, "pause", reason)
		}
	}

	n.checkTrailing(state, deps)

	deps.Log.Info().
		Int("decisions", len(review.Decisions)).
		Int("rejected_symbols", len(review.Rejections)).
		Bool("pause", review.PauseBot).
		Int("trailing_proposals", len(state.Trailing)).
		Msg("risk review done")
	return nil
}

// checkTrailing advances the trailing stops using the freshest price per
// position: the venue's mark price, else this cycle's indicator price. A
// position with neither is skipped inside the manager.
func (n *RiskMonitor) checkTrailing(state *pipeline.CycleState, deps *pipeline.Deps) {
	if deps.Trailing == nil || len(state.Positions) == 0 {
		return
	}
	prices := make(map[string]float64, len(state.Positions))
	for _, pos := range state.Positions {
		price := pos.MarkPrice
		if price <= 0 {
			if run, ok := state.Runs[pos.Symbol]; ok && run.Indicators != nil {
				price = run.Indicators.Price
			}
		}
		if price > 0 {
			prices[pos.Symbol] = price
		}
	}
	state.Trailing = deps.Trailing.Check(state.Positions, prices)
	for _, p := range state.Trailing {
		deps.Log.Info().
			Str("symbol", p.Symbol).
			Str("kind", p.Kind).
			Float64("stop_price", p.StopPrice).
			Float64("pnl_pct", p.PnLPct).
			Msg("trailing stop proposal")
	}
}
