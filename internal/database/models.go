package database

import (
	"time"
)

// Trading modes accepted by the bots table.
const (
	ModePaper    = "paper"
	ModeLive     = "live"
	ModeBacktest = "backtest"
)

// Bot is a durable bot configuration row. The scheduler re-reads it through
// BotLoader so edits apply on the next cycle boundary.
type Bot struct {
	ID                   int64            `json:"id"`
	Name                 string           `json:"name"`
	DisplayName          string           `json:"display_name"`
	ExchangeID           int64            `json:"exchange_id"`
	WorkflowID           int64            `json:"workflow_id"`
	LLMID                *int64           `json:"llm_id,omitempty"`
	RoleLLMIDs           map[string]int64 `json:"role_llm_ids,omitempty"`
	TradingMode          string           `json:"trading_mode"`
	CycleIntervalSeconds int              `json:"cycle_interval_seconds"`
	MaxConcurrentSymbols int              `json:"max_concurrent_symbols"`
	Symbols              []string         `json:"symbols"`
	Timeframes           []string         `json:"timeframes"`
	OHLCVLimits          map[string]int   `json:"ohlcv_limits"`
	IndicatorConfig      IndicatorConfig  `json:"indicator_config"`
	QuantWeights         QuantWeights     `json:"quant_weights"`
	QuantThreshold       float64          `json:"quant_threshold"`
	Risk                 RiskLimits       `json:"risk_limits"`
	InitialBalance       float64          `json:"initial_balance"`
	IsActive             bool             `json:"is_active"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// ThreadID is the checkpoint thread identity for this bot.
func (b *Bot) ThreadID() string {
	return ThreadIDFor(b.ID)
}

// IndicatorConfig holds per-bot technical indicator parameters.
type IndicatorConfig struct {
	EMAPeriods      []int   `json:"ema_periods"`
	RSIPeriod       int     `json:"rsi_period"`
	MACDFast        int     `json:"macd_fast"`
	MACDSlow        int     `json:"macd_slow"`
	MACDSignal      int     `json:"macd_signal"`
	ATRPeriod       int     `json:"atr_period"`
	BollingerPeriod int     `json:"bollinger_period"`
	BollingerStdDev float64 `json:"bollinger_std_dev"`
}

// DefaultIndicatorConfig returns the standard indicator parameters.
func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{
		EMAPeriods:      []int{20, 50, 200},
		RSIPeriod:       7,
		MACDFast:        12,
		MACDSlow:        26,
		MACDSignal:      9,
		ATRPeriod:       14,
		BollingerPeriod: 20,
		BollingerStdDev: 2.0,
	}
}

// QuantWeights are the component weights of the composite quant score.
// They must sum to 1.0.
type QuantWeights struct {
	Trend     float64 `json:"trend"`
	Momentum  float64 `json:"momentum"`
	Volume    float64 `json:"volume"`
	Sentiment float64 `json:"sentiment"`
}

// DefaultQuantWeights returns the standard score weighting.
func DefaultQuantWeights() QuantWeights {
	return QuantWeights{Trend: 0.4, Momentum: 0.3, Volume: 0.2, Sentiment: 0.1}
}

// Sum returns the total of all weights.
func (w QuantWeights) Sum() float64 {
	return w.Trend + w.Momentum + w.Volume + w.Sentiment
}

// RiskLimits is the closed set of per-bot risk controls. Unknown fields in
// stored JSON are rejected at the API layer, not here.
type RiskLimits struct {
	MaxTotalAllocationPct  float64 `json:"max_total_allocation_pct"`
	MaxSingleAllocationPct float64 `json:"max_single_allocation_pct"`

	MaxLeverage          float64 `json:"max_leverage"`
	DefaultLeverage      float64 `json:"default_leverage"`
	AllowDefaultLeverage bool    `json:"allow_default_leverage"`

	MinPositionSizeUSD float64 `json:"min_position_size_usd"`
	MaxPositionSizeUSD float64 `json:"max_position_size_usd"`
	MinRiskRewardRatio float64 `json:"min_risk_reward_ratio"`

	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`

	MaxFundingRatePct       float64 `json:"max_funding_rate_pct"`
	FundingRateCheckEnabled bool    `json:"funding_rate_check_enabled"`

	TrailingStopEnabled       bool    `json:"trailing_stop_enabled"`
	TrailingStopTriggerPct    float64 `json:"trailing_stop_trigger_pct"`
	TrailingStopDistancePct   float64 `json:"trailing_stop_distance_pct"`
	TrailingStopLockProfitPct float64 `json:"trailing_stop_lock_profit_pct"`

	HardStopEnabled        bool `json:"hard_stop_enabled"`
	PauseOnConsecutiveLoss bool `json:"pause_on_consecutive_loss"`
	PauseOnMaxDrawdown     bool `json:"pause_on_max_drawdown"`
}

// DefaultRiskLimits returns the conservative defaults applied to new bots.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxTotalAllocationPct:     80,
		MaxSingleAllocationPct:    30,
		MaxLeverage:               10,
		DefaultLeverage:           3,
		AllowDefaultLeverage:      false,
		MinPositionSizeUSD:        10,
		MaxPositionSizeUSD:        10000,
		MinRiskRewardRatio:        2.0,
		MaxConsecutiveLosses:      5,
		MaxDailyLossPct:           10,
		MaxDrawdownPct:            25,
		MaxFundingRatePct:         0.1,
		FundingRateCheckEnabled:   true,
		TrailingStopEnabled:       true,
		TrailingStopTriggerPct:    3.0,
		TrailingStopDistancePct:   1.5,
		TrailingStopLockProfitPct: 1.0,
		HardStopEnabled:           true,
		PauseOnConsecutiveLoss:    true,
		PauseOnMaxDrawdown:        true,
	}
}

// Exchange is a durable exchange connection row.
type Exchange struct {
	ID                    int64          `json:"id"`
	Name                  string         `json:"name"`
	Venue                 string         `json:"venue"`
	APIKey                string         `json:"-"`
	APISecret             string         `json:"-"`
	Testnet               bool           `json:"testnet"`
	BaseURL               string         `json:"base_url,omitempty"`
	WSURL                 string         `json:"ws_url,omitempty"`
	RateLimitPerMin       int            `json:"rate_limit_per_min,omitempty"`
	MaxConcurrentRequests int            `json:"max_concurrent_requests"`
	SlippagePct           float64        `json:"slippage_pct"`
	TakerFeePct           float64        `json:"taker_fee_pct"`
	Options               map[string]any `json:"options,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// LLMConfig is a durable LLM provider row.
type LLMConfig struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Provider       string    `json:"provider"`
	BaseURL        string    `json:"base_url,omitempty"`
	APIKey         string    `json:"-"`
	ModelName      string    `json:"model_name"`
	MaxTokens      int       `json:"max_tokens"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	IsDefault      bool      `json:"is_default"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Workflow is the durable pipeline definition header.
type Workflow struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	UserEdited  bool      `json:"user_edited"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkflowNode is one stage of a workflow.
type WorkflowNode struct {
	ID             int64          `json:"id"`
	WorkflowID     int64          `json:"workflow_id"`
	Name           string         `json:"name"`
	PluginName     string         `json:"plugin_name"`
	ExecutionOrder int            `json:"execution_order"`
	Enabled        bool           `json:"enabled"`
	Config         map[string]any `json:"config,omitempty"`
}

// WorkflowEdge connects two nodes; an empty condition is the default edge.
type WorkflowEdge struct {
	ID         int64  `json:"id"`
	WorkflowID int64  `json:"workflow_id"`
	Source     string `json:"source"`
	Target     string `json:"target"`
	Condition  string `json:"condition,omitempty"`
}

// Trade statuses.
const (
	TradeOpen   = "open"
	TradeClosed = "closed"
)

// Trade sides.
const (
	SideLong  = "long"
	SideShort = "short"
)

// Trade is a trade_history row. At most one open row exists per
// (bot_id, symbol); the partial unique index enforces it.
type Trade struct {
	ID           int64      `json:"id"`
	BotID        int64      `json:"bot_id"`
	CycleID      int64      `json:"cycle_id"`
	CloseCycleID *int64     `json:"close_cycle_id,omitempty"`
	Symbol       string     `json:"symbol"`
	Side         string     `json:"side"`
	Status       string     `json:"status"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	Amount       float64    `json:"amount"`
	Leverage     float64    `json:"leverage"`
	StopLoss     *float64   `json:"stop_loss,omitempty"`
	TakeProfit   *float64   `json:"take_profit,omitempty"`
	PnL          *float64   `json:"pnl,omitempty"`
	PnLPercent   *float64   `json:"pnl_percent,omitempty"`
	Fee          float64    `json:"fee"`
	Reason       string     `json:"reason,omitempty"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// SystemConfig is a typed key/value row.
type SystemConfig struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	ValueType   string    `json:"value_type"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// System config value types.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeBoolean = "boolean"
	TypeJSON    = "json"
)

// Checkpoint is an immutable pipeline state snapshot.
type Checkpoint struct {
	ThreadID  string    `json:"thread_id"`
	CycleID   int64     `json:"cycle_id"`
	NodeName  string    `json:"node_name"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}
