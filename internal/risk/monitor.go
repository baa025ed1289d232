// Package risk gates portfolio decisions against a bot's limits and
// manages trailing stops on open positions. The monitor never blocks a
// close: reducing exposure is always allowed, even while paused.
package risk

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/debate"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/performance"
)

// SymbolMarket is the slice of market data the checks need per symbol.
type SymbolMarket struct {
	Price       float64 `json:"price"`
	FundingRate float64 `json:"funding_rate"`
}

// ReviewInput carries one cycle's decisions plus the evidence to judge
// them. MaxDrawdown is the fraction from the performance window.
type ReviewInput struct {
	Limits      database.RiskLimits
	Decisions   []debate.PortfolioDecision
	Account     *exchange.Balance
	Positions   []exchange.Position
	Market      map[string]SymbolMarket
	History     []*database.Trade
	MaxDrawdown float64
}

// Review is the validated batch. Rejected opens are flipped to wait with
// the violation appended to their reasoning; Rejections keeps the raw
// reasons per symbol for the cycle record.
type Review struct {
	Decisions    []debate.PortfolioDecision `json:"decisions"`
	Rejections   map[string][]string        `json:"rejections,omitempty"`
	PauseBot     bool                       `json:"pause_bot"`
	PauseReasons []string                   `json:"pause_reasons,omitempty"`
}

// Monitor validates decisions before they reach the executor. It holds no
// per-cycle state; limits travel with each review so control-plane edits
// apply on the next cycle.
type Monitor struct {
	log zerolog.Logger
}

func NewMonitor(log zerolog.Logger) *Monitor {
	return &Monitor{log: log.With().Str("component", "risk").Logger()}
}

// Review applies the breaker checks, then walks the open decisions in
// priority order applying the per-symbol checks and the running total
// cap. Close, hold and wait decisions pass through untouched.
func (m *Monitor) Review(in ReviewInput) *Review {
	limits := in.Limits
	maxSingle := limits.MaxSingleAllocationPct
	if maxSingle <= 0 {
		maxSingle = database.DefaultRiskLimits().MaxSingleAllocationPct
	}
	maxTotal := limits.MaxTotalAllocationPct
	if maxTotal <= 0 {
		maxTotal = database.DefaultRiskLimits().MaxTotalAllocationPct
	}

	review := &Review{
		Decisions:  append([]debate.PortfolioDecision(nil), in.Decisions...),
		Rejections: make(map[string][]string),
	}
	m.checkBreakers(in, review)

	// Lower priority numbers are considered first, so when the total cap
	// runs out it is the model's least important entries that lose.
	order := make([]int, len(review.Decisions))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return review.Decisions[order[a]].Priority < review.Decisions[order[b]].Priority
	})

	runningPct := usedAllocationPct(in.Account)
	for _, idx := range order {
		d := &review.Decisions[idx]
		if d.Action != debate.ActionOpenLong && d.Action != debate.ActionOpenShort {
			continue
		}
		if review.PauseBot {
			m.reject(review, d, "trading paused: "+review.PauseReasons[0])
			continue
		}

		var reasons []string
		lev := m.checkLeverage(limits, d, &reasons)
		if d.AllocationPct > maxSingle {
			reasons = append(reasons, fmt.Sprintf("allocation %.1f%% exceeds the %.1f%% per-symbol cap", d.AllocationPct, maxSingle))
		}
		m.checkSize(limits, in.Account, d, lev, &reasons)
		m.checkFunding(limits, in.Market, d, &reasons)
		m.checkStops(limits, in.Market, d, &reasons)

		if len(reasons) == 0 {
			if runningPct+d.AllocationPct > maxTotal {
				reasons = append(reasons, fmt.Sprintf("total allocation would reach %.1f%% (cap %.1f%%)", runningPct+d.AllocationPct, maxTotal))
			} else {
				runningPct += d.AllocationPct
			}
		}

		if len(reasons) > 0 {
			m.reject(review, d, reasons...)
			continue
		}
		d.Leverage = lev
	}

	if len(review.Rejections) == 0 {
		review.Rejections = nil
	}
	return review
}

// checkBreakers evaluates the account-level circuit breakers. Any firing
// breaker pauses the bot and, through Review, flips every open to wait.
func (m *Monitor) checkBreakers(in ReviewInput, review *Review) {
	limits := in.Limits
	if limits.PauseOnConsecutiveLoss && limits.MaxConsecutiveLosses > 0 {
		if streak := performance.ConsecutiveLosses(in.History); streak >= limits.MaxConsecutiveLosses {
			review.PauseBot = true
			review.PauseReasons = append(review.PauseReasons,
				fmt.Sprintf("%d consecutive losing trades (limit %d)", streak, limits.MaxConsecutiveLosses))
		}
	}
	if limits.PauseOnMaxDrawdown && limits.MaxDrawdownPct > 0 {
		if ddPct := in.MaxDrawdown * 100; ddPct >= limits.MaxDrawdownPct {
			review.PauseBot = true
			review.PauseReasons = append(review.PauseReasons,
				fmt.Sprintf("drawdown %.1f%% at or over the %.1f%% limit", ddPct, limits.MaxDrawdownPct))
		}
	}
	if limits.MaxDailyLossPct > 0 && in.Account != nil && in.Account.Total > 0 {
		if lossPct := dailyLossPct(in.History, in.Account.Total, time.Now().UTC()); lossPct >= limits.MaxDailyLossPct {
			review.PauseBot = true
			review.PauseReasons = append(review.PauseReasons,
				fmt.Sprintf("daily loss %.1f%% at or over the %.1f%% limit", lossPct, limits.MaxDailyLossPct))
		}
	}
	if review.PauseBot {
		m.log.Error().Strs("reasons", review.PauseReasons).Msg("risk breaker fired, pausing bot")
	}
}

// checkLeverage resolves the effective leverage: absent leverage is a
// rejection unless defaulting is allowed, anything over the cap clamps.
func (m *Monitor) checkLeverage(limits database.RiskLimits, d *debate.PortfolioDecision, reasons *[]string) int {
	lev := d.Leverage
	if lev <= 0 {
		if limits.AllowDefaultLeverage && limits.DefaultLeverage > 0 {
			lev = int(limits.DefaultLeverage)
			m.log.Debug().Str("symbol", d.Symbol).Int("leverage", lev).Msg("applying default leverage")
		} else {
			*reasons = append(*reasons, "no leverage specified")
			return lev
		}
	}
	if limits.MaxLeverage > 0 && float64(lev) > limits.MaxLeverage {
		m.log.Warn().Str("symbol", d.Symbol).Int("leverage", lev).Float64("max", limits.MaxLeverage).Msg("clamping leverage")
		lev = int(limits.MaxLeverage)
	}
	return lev
}

func (m *Monitor) checkSize(limits database.RiskLimits, account *exchange.Balance, d *debate.PortfolioDecision, lev int, reasons *[]string) {
	if account == nil || account.Free <= 0 || lev <= 0 {
		return
	}
	notional := d.AllocationPct / 100 * account.Free * float64(lev)
	if limits.MinPositionSizeUSD > 0 && notional < limits.MinPositionSizeUSD {
		*reasons = append(*reasons, fmt.Sprintf("position size %.2f USDT below the %.2f minimum", notional, limits.MinPositionSizeUSD))
	}
	if limits.MaxPositionSizeUSD > 0 && notional > limits.MaxPositionSizeUSD {
		*reasons = append(*reasons, fmt.Sprintf("position size %.2f USDT above the %.2f maximum", notional, limits.MaxPositionSizeUSD))
	}
}

// checkFunding rejects entries that would pay an excessive funding rate:
// longs pay when funding is positive, shorts when it is negative.
func (m *Monitor) checkFunding(limits database.RiskLimits, market map[string]SymbolMarket, d *debate.PortfolioDecision, reasons *[]string) {
	if !limits.FundingRateCheckEnabled || limits.MaxFundingRatePct <= 0 {
		return
	}
	fundingPct := market[d.Symbol].FundingRate * 100
	switch d.Action {
	case debate.ActionOpenLong:
		if fundingPct > limits.MaxFundingRatePct {
			*reasons = append(*reasons, fmt.Sprintf("funding rate %.4f%% over the %.4f%% limit for longs", fundingPct, limits.MaxFundingRatePct))
		}
	case debate.ActionOpenShort:
		if fundingPct < -limits.MaxFundingRatePct {
			*reasons = append(*reasons, fmt.Sprintf("funding rate %.4f%% under the -%.4f%% limit for shorts", fundingPct, limits.MaxFundingRatePct))
		}
	}
}

// checkStops validates stop placement and the risk/reward ratio against
// the live price. No live price means no verification, which is a
// rejection rather than a guess.
func (m *Monitor) checkStops(limits database.RiskLimits, market map[string]SymbolMarket, d *debate.PortfolioDecision, reasons *[]string) {
	price := market[d.Symbol].Price
	if price <= 0 {
		*reasons = append(*reasons, "no market price to validate stops against")
		return
	}
	if d.StopLoss <= 0 {
		if limits.HardStopEnabled {
			*reasons = append(*reasons, "stop loss required")
		}
		return
	}

	long := d.Action == debate.ActionOpenLong
	if long && d.StopLoss >= price {
		*reasons = append(*reasons, fmt.Sprintf("stop loss %.4f not below price %.4f", d.StopLoss, price))
		return
	}
	if !long && d.StopLoss <= price {
		*reasons = append(*reasons, fmt.Sprintf("stop loss %.4f not above price %.4f", d.StopLoss, price))
		return
	}
	if d.TakeProfit <= 0 {
		return
	}
	if long && d.TakeProfit <= price {
		*reasons = append(*reasons, fmt.Sprintf("take profit %.4f not above price %.4f", d.TakeProfit, price))
		return
	}
	if !long && d.TakeProfit >= price {
		*reasons = append(*reasons, fmt.Sprintf("take profit %.4f not below price %.4f", d.TakeProfit, price))
		return
	}

	var rr float64
	if long {
		rr = (d.TakeProfit - price) / (price - d.StopLoss)
	} else {
		rr = (price - d.TakeProfit) / (d.StopLoss - price)
	}
	if limits.MinRiskRewardRatio > 0 && rr < limits.MinRiskRewardRatio {
		*reasons = append(*reasons, fmt.Sprintf("risk/reward %.2f below the %.1f minimum", rr, limits.MinRiskRewardRatio))
	}
}

func (m *Monitor) reject(review *Review, d *debate.PortfolioDecision, reasons ...string) {
	m.log.Warn().Str("symbol", d.Symbol).Str("action", d.Action).Strs("reasons", reasons).Msg("rejecting decision")
	review.Rejections[d.Symbol] = append(review.Rejections[d.Symbol], reasons...)
	d.Action = debate.ActionWait
	d.AllocationPct = 0
	for _, reason := range reasons {
		d.Reasoning += "; risk: " + reason
	}
}

// usedAllocationPct expresses the margin already committed as a percent
// of the free balance, the same base the allocations use.
func usedAllocationPct(account *exchange.Balance) float64 {
	if account == nil {
		return 0
	}
	if account.Free <= 0 {
		return 100
	}
	return account.Used / account.Free * 100
}

// dailyLossPct sums today's realized losses against account equity.
// Winning days report zero.
func dailyLossPct(trades []*database.Trade, accountTotal float64, now time.Time) float64 {
	if accountTotal <= 0 {
		return 0
	}
	y, mo, dd := now.Date()
	total := 0.0
	for _, t := range trades {
		if t.ClosedAt == nil || t.PnL == nil {
			continue
		}
		cy, cmo, cd := t.ClosedAt.UTC().Date()
		if cy != y || cmo != mo || cd != dd {
			continue
		}
		total += *t.PnL
	}
	if total >= 0 {
		return 0
	}
	return -total / accountTotal * 100
}
