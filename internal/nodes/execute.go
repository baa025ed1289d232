package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/debate"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/pipeline"
	"github.com/stratoforge/quantra/internal/risk"
)

// Execution turns the reviewed decisions into orders. Every order path is
// deduplicated against the trade history by (cycle, symbol, action) first,
// so a cycle resumed from a checkpoint never doubles an order. Per-decision
// failures are recorded and the rest of the batch still runs; only fatal or
// configuration errors abort.
type Execution struct{}

func (*Execution) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           NameExecution,
		DisplayName:    "Order Execution",
		Category:       pipeline.CategoryExecution,
		InsertAfter:    NameRiskMonitor,
		SuggestedOrder: 60,
		RequiresTrader: true,
	}
}

func (n *Execution) Run(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps) error {
	var decisions []debate.PortfolioDecision
	if state.Debate != nil {
		decisions = state.Debate.Final.Decisions
	}
	if len(decisions) == 0 && len(state.Trailing) == 0 {
		deps.Log.Debug().Msg("nothing to execute")
		return nil
	}

	order := make([]int, len(decisions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return decisions[order[a]].Priority < decisions[order[b]].Priority
	})

	for _, idx := range order {
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Transient, err)
		}
		d := decisions[idx]
		if err := n.applyDecision(ctx, state, deps, d); err != nil {
			if aborts(ctx, err) {
				return err
			}
			n.recordFailure(state, d.Symbol, d.Action, err)
		}
	}

	for _, p := range state.Trailing {
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Transient, err)
		}
		if err := n.applyProposal(ctx, state, deps, p); err != nil {
			if aborts(ctx, err) {
				return err
			}
			n.recordFailure(state, p.Symbol, p.Kind, err)
		}
	}
	return nil
}

// aborts reports whether the error must stop the whole node: cancellation
// or anything no retry can fix.
func aborts(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch errkind.KindOf(err) {
	case errkind.Fatal, errkind.Configuration:
		return true
	}
	return false
}

func (n *Execution) recordFailure(state *pipeline.CycleState, symbol, action string, err error) {
	run := state.Run(symbol)
	run.Execution = &pipeline.ExecutionRecord{
		Action: action,
		Status: pipeline.ExecFailed,
		Detail: err.Error(),
		At:     time.Now().UTC(),
	}
	state.AddError(NameExecution, symbol, fmt.Sprintf("execution failed for %s: %v", symbol, err))
}

func (n *Execution) applyDecision(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps, d debate.PortfolioDecision) error {
	switch d.Action {
	case debate.ActionOpenLong, debate.ActionOpenShort:
		return n.open(ctx, state, deps, d)
	case debate.ActionCloseLong, debate.ActionCloseShort:
		return n.close(ctx, state, deps, d.Symbol, d.Action, d.Reasoning)
	case debate.ActionHold, debate.ActionWait:
		run := state.Run(d.Symbol)
		run.Execution = &pipeline.ExecutionRecord{
			Action: d.Action,
			Status: pipeline.ExecSkipped,
			Detail: d.Reasoning,
			At:     time.Now().UTC(),
		}
		return nil
	default:
		return errkind.Newf(errkind.Validation, "unknown action %q", d.Action)
	}
}

// open sizes and places a market entry. Margin is allocation percent of the
// account total; notional is margin times leverage.
func (n *Execution) open(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps, d debate.PortfolioDecision) error {
	side := database.SideLong
	orderSide := exchange.SideBuy
	if d.Action == debate.ActionOpenShort {
		side = database.SideShort
		orderSide = exchange.SideSell
	}
	run := state.Run(d.Symbol)
	now := time.Now().UTC()

	opened, err := deps.Trades.WasOpenedInCycle(ctx, state.BotID, state.CycleID, d.Symbol, side)
	if err != nil {
		return err
	}
	if opened {
		run.Execution = &pipeline.ExecutionRecord{
			Action: d.Action,
			Status: pipeline.ExecDeduped,
			Detail: "already opened this cycle",
			At:     now,
		}
		return nil
	}

	if state.Balance == nil || state.Balance.Total <= 0 {
		return errkind.New(errkind.Validation, "no account balance to size against")
	}
	if run.Indicators == nil || run.Indicators.Price <= 0 {
		return errkind.New(errkind.Validation, "no market price for entry")
	}
	price := run.Indicators.Price
	if d.Leverage < 1 {
		return errkind.New(errkind.Validation, "no leverage resolved")
	}
	if err := validateStops(side, price, d.StopLoss, d.TakeProfit); err != nil {
		return err
	}

	margin := state.Balance.Total * d.AllocationPct / 100
	amount := margin * float64(d.Leverage) / price
	if amount <= 0 {
		return errkind.Newf(errkind.Validation, "allocation %.1f%% sizes to zero", d.AllocationPct)
	}

	if err := deps.Client.SetLeverage(ctx, d.Symbol, d.Leverage); err != nil {
		return err
	}
	placed, err := deps.Client.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: d.Symbol,
		Side:   orderSide,
		Type:   exchange.OrderMarket,
		Amount: amount,
	})
	if err != nil {
		return err
	}

	fillPrice := fillPriceOf(placed, price)
	filled := placed.Filled
	if filled <= 0 {
		filled = amount
	}
	trade := &database.Trade{
		BotID:      state.BotID,
		CycleID:    state.CycleID,
		Symbol:     d.Symbol,
		Side:       side,
		EntryPrice: fillPrice,
		Amount:     filled,
		Leverage:   float64(d.Leverage),
		Fee:        placed.Fee,
		Reason:     d.Reasoning,
		OpenedAt:   now,
	}
	if d.StopLoss > 0 {
		sl := d.StopLoss
		trade.StopLoss = &sl
	}
	if d.TakeProfit > 0 {
		tp := d.TakeProfit
		trade.TakeProfit = &tp
	}
	if err := deps.Trades.OpenTrade(ctx, trade); err != nil {
		if errors.Is(err, database.ErrOpenTradeExists) {
			run.Execution = &pipeline.ExecutionRecord{
				Action: d.Action,
				Status: pipeline.ExecDeduped,
				Detail: "open trade already on the books",
				At:     now,
			}
			return nil
		}
		return err
	}

	run.Execution = &pipeline.ExecutionRecord{
		Action:  d.Action,
		Status:  pipeline.ExecFilled,
		OrderID: placed.ID,
		Price:   fillPrice,
		Amount:  filled,
		Fee:     placed.Fee,
		At:      now,
	}
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	deps.Bus.PublishTradeOpened(state.BotID, d.Symbol, side, fillPrice, filled, float64(d.Leverage))
	deps.Log.Info().
		Str("symbol", d.Symbol).
		Str("side", side).
		Float64("price", fillPrice).
		Float64("amount", filled).
		Int("leverage", d.Leverage).
		Msg("position opened")
	return nil
}

// close flattens the open trade with a reduce-only market order and books
// the realized result. A missing open trade is a skip, not an error: the
// decision may be acting on stale position data.
func (n *Execution) close(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps, symbol, action, reason string) error {
	run := state.Run(symbol)
	now := time.Now().UTC()

	closed, err := deps.Trades.WasClosedInCycle(ctx, state.BotID, state.CycleID, symbol)
	if err != nil {
		return err
	}
	if closed {
		run.Execution = &pipeline.ExecutionRecord{
			Action: action,
			Status: pipeline.ExecDeduped,
			Detail: "already closed this cycle",
			At:     now,
		}
		return nil
	}

	t, err := deps.Trades.GetOpenTrade(ctx, state.BotID, symbol)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			run.Execution = &pipeline.ExecutionRecord{
				Action: action,
				Status: pipeline.ExecSkipped,
				Detail: "no open trade",
				At:     now,
			}
			return nil
		}
		return err
	}

	orderSide := exchange.SideSell
	if t.Side == database.SideShort {
		orderSide = exchange.SideBuy
	}
	placed, err := deps.Client.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:     symbol,
		Side:       orderSide,
		Type:       exchange.OrderMarket,
		Amount:     t.Amount,
		ReduceOnly: true,
	})
	if err != nil {
		return err
	}

	exitPrice := fillPriceOf(placed, fallbackPrice(run, t.EntryPrice))
	gross := (exitPrice - t.EntryPrice) * t.Amount
	if t.Side == database.SideShort {
		gross = (t.EntryPrice - exitPrice) * t.Amount
	}
	pnl := gross - t.Fee - placed.Fee

	leverage := t.Leverage
	if leverage < 1 {
		leverage = 1
	}
	margin := t.EntryPrice * t.Amount / leverage
	var pnlPct float64
	if margin > 0 {
		pnlPct = pnl / margin * 100
	}

	if err := deps.Trades.CloseTrade(ctx, t.ID, state.CycleID, exitPrice, pnl, pnlPct, placed.Fee); err != nil {
		return err
	}
	if deps.Trailing != nil {
		deps.Trailing.ClearSymbol(symbol)
	}

	run.Execution = &pipeline.ExecutionRecord{
		Action:  action,
		Status:  pipeline.ExecFilled,
		OrderID: placed.ID,
		Price:   exitPrice,
		Amount:  t.Amount,
		Fee:     placed.Fee,
		Detail:  reason,
		At:      now,
	}
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	deps.Bus.PublishTradeClosed(state.BotID, symbol, t.EntryPrice, exitPrice, pnl, pnlPct)
	deps.Log.Info().
		Str("symbol", symbol).
		Str("side", t.Side).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Float64("pnl_pct", pnlPct).
		Msg("position closed")
	return nil
}

// applyProposal executes a trailing-stop proposal: closes go through the
// normal close path, amends rewrite the stop on the open trade row.
func (n *Execution) applyProposal(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps, p risk.Proposal) error {
	switch p.Kind {
	case risk.ProposalClose:
		action := debate.ActionCloseLong
		if p.Side == exchange.PositionShort {
			action = debate.ActionCloseShort
		}
		return n.close(ctx, state, deps, p.Symbol, action, p.Reason)
	case risk.ProposalAmendStop:
		t, err := deps.Trades.GetOpenTrade(ctx, state.BotID, p.Symbol)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				deps.Log.Warn().Str("symbol", p.Symbol).Msg("trailing amend for untracked position")
				return nil
			}
			return err
		}
		stop := p.StopPrice
		if err := deps.Trades.UpdateTradeStops(ctx, t.ID, &stop, nil); err != nil {
			return err
		}
		run := state.Run(p.Symbol)
		if run.Execution == nil {
			run.Execution = &pipeline.ExecutionRecord{
				Action: risk.ProposalAmendStop,
				Status: pipeline.ExecFilled,
				Price:  stop,
				Detail: p.Reason,
				At:     time.Now().UTC(),
			}
		}
		deps.Log.Info().Str("symbol", p.Symbol).Float64("stop_price", stop).Msg("trailing stop amended")
		return nil
	default:
		return errkind.Newf(errkind.Validation, "unknown proposal kind %q", p.Kind)
	}
}

// validateStops enforces direction logic: a long's stop sits below price and
// target above, a short's the mirror. Zero means not set and passes.
func validateStops(side string, price, stopLoss, takeProfit float64) error {
	if side == database.SideLong {
		if stopLoss > 0 && stopLoss >= price {
			return errkind.Newf(errkind.Validation, "stop loss %.4f not below price %.4f", stopLoss, price)
		}
		if takeProfit > 0 && takeProfit <= price {
			return errkind.Newf(errkind.Validation, "take profit %.4f not above price %.4f", takeProfit, price)
		}
		return nil
	}
	if stopLoss > 0 && stopLoss <= price {
		return errkind.Newf(errkind.Validation, "stop loss %.4f not above price %.4f", stopLoss, price)
	}
	if takeProfit > 0 && takeProfit >= price {
		return errkind.Newf(errkind.Validation, "take profit %.4f not below price %.4f", takeProfit, price)
	}
	return nil
}

func fillPriceOf(o *exchange.Order, fallback float64) float64 {
	if o == nil {
		return fallback
	}
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	if o.Price > 0 {
		return o.Price
	}
	return fallback
}

func fallbackPrice(run *pipeline.RunRecord, def float64) float64 {
	if run.Indicators != nil && run.Indicators.Price > 0 {
		return run.Indicators.Price
	}
	return def
}
