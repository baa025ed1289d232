// Package debate runs the multi-role decision flow: an analyst pass per
// candidate symbol, bull and bear traders arguing over a configurable
// number of rounds, and a risk manager synthesising the final portfolio
// decision. Every LLM call degrades to a safe fallback so a model outage
// never sinks a trading cycle.
package debate

import (
	"time"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/indicators"
	"github.com/stratoforge/quantra/internal/performance"
)

// Debate roles. Each can be routed to its own LLM via bot role_llm_ids.
const (
	RoleAnalyst     = "analyst"
	RoleBull        = "bull"
	RoleBear        = "bear"
	RoleRiskManager = "risk_manager"
)

// Trend labels emitted by the analyst.
const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendNeutral = "neutral"
)

// Suggestion actions emitted by the bull and bear traders.
const (
	SuggestLong  = "long"
	SuggestShort = "short"
	SuggestWait  = "wait"
)

// Final decision actions emitted by the risk manager.
const (
	ActionOpenLong   = "open_long"
	ActionOpenShort  = "open_short"
	ActionCloseLong  = "close_long"
	ActionCloseShort = "close_short"
	ActionHold       = "hold"
	ActionWait       = "wait"
)

// AnalystOutput is one symbol's technical read. KeyLevels is nil or
// non-empty, never an empty map.
type AnalystOutput struct {
	Symbol    string             `json:"symbol"`
	Trend     string             `json:"trend"`
	KeyLevels map[string]float64 `json:"key_levels,omitempty"`
	Summary   string             `json:"summary"`
}

// TraderSuggestion is a bull or bear recommendation. Stops are percent
// distances from the current price; the risk manager turns them into
// absolute prices in the final decision.
type TraderSuggestion struct {
	Symbol        string  `json:"symbol"`
	Action        string  `json:"action"`
	Confidence    float64 `json:"confidence"`
	AllocationPct float64 `json:"allocation_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	Reasoning     string  `json:"reasoning"`
}

// PortfolioDecision is the per-symbol verdict the executor acts on.
// StopLoss and TakeProfit are absolute prices.
type PortfolioDecision struct {
	Symbol        string  `json:"symbol"`
	Action        string  `json:"action"`
	AllocationPct float64 `json:"allocation_pct"`
	Leverage      int     `json:"leverage"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
	Priority      int     `json:"priority"`
}

// Allocates reports whether the decision ties up margin. Close actions
// count: the original allocation stays committed until the fill lands.
func (d PortfolioDecision) Allocates() bool {
	return d.Action != ActionWait && d.Action != ActionHold
}

// BatchDecision is the risk manager's portfolio-wide output.
type BatchDecision struct {
	Decisions          []PortfolioDecision `json:"decisions"`
	TotalAllocationPct float64             `json:"total_allocation_pct"`
	CashReservePct     float64             `json:"cash_reserve_pct"`
	StrategyRationale  string              `json:"strategy_rationale"`
}

// Result captures the whole debate for the cycle record and the API.
type Result struct {
	AnalystOutputs  []AnalystOutput    `json:"analyst_outputs"`
	BullSuggestions []TraderSuggestion `json:"bull_suggestions"`
	BearSuggestions []TraderSuggestion `json:"bear_suggestions"`
	Final           BatchDecision      `json:"final_decision"`
	Summary         string             `json:"debate_summary"`
	CompletedAt     time.Time          `json:"completed_at"`
}

// SymbolFeatures is the per-symbol evidence handed to the debate.
// QuantBreakdown is nil when the quant filter did not score the symbol.
type SymbolFeatures struct {
	Snapshot       indicators.Snapshot
	QuantScore     float64
	QuantBreakdown map[string]float64
	FundingRate    float64
}

// Input is everything one debate needs. The caller loads performance and
// trade history; the engine only talks to LLMs.
type Input struct {
	BotID       int64
	CycleID     int64
	Symbols     []string
	Features    map[string]SymbolFeatures
	Account     *exchange.Balance
	Positions   []exchange.Position
	Alerts      []string
	Limits      database.RiskLimits
	Performance *performance.Metrics
	History     []*database.Trade
}

// Config tunes the engine. Zero values fall back to the defaults below.
type Config struct {
	MaxRounds    int
	PhaseTimeout time.Duration
	HistoryLimit int
}

const (
	DefaultMaxRounds    = 2
	DefaultPhaseTimeout = 120 * time.Second
	DefaultHistoryLimit = 10
)

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = DefaultPhaseTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}
