// Package pipeline runs a bot's workflow graph: plugins registered by name,
// composed into a DAG, executed in topological order with a checkpoint after
// every node. State is a plain JSON document so a cycle can be rewound to
// any node boundary and replayed byte-for-byte.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/debate"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/indicators"
	"github.com/stratoforge/quantra/internal/performance"
	"github.com/stratoforge/quantra/internal/risk"
)

// Execution statuses recorded per decision.
const (
	ExecFilled  = "filled"
	ExecSkipped = "skipped"
	ExecDeduped = "deduped"
	ExecFailed  = "failed"
)

// ExecutionRecord is the executor's account of one decision.
type ExecutionRecord struct {
	Action  string    `json:"action"`
	Status  string    `json:"status"`
	OrderID string    `json:"order_id,omitempty"`
	Price   float64   `json:"price,omitempty"`
	Amount  float64   `json:"amount,omitempty"`
	Fee     float64   `json:"fee,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// RunRecord tracks one symbol through the cycle. Stages fill it in as they
// run; a nil field means the stage never reached this symbol.
type RunRecord struct {
	RunID          string                    `json:"run_id"`
	Symbol         string                    `json:"symbol"`
	Indicators     *indicators.Snapshot      `json:"indicators,omitempty"`
	FundingRate    float64                   `json:"funding_rate,omitempty"`
	OpenInterest   float64                   `json:"open_interest,omitempty"`
	QuantScore     *float64                  `json:"quant_score,omitempty"`
	QuantBreakdown map[string]float64        `json:"quant_breakdown,omitempty"`
	Analysis       *debate.AnalystOutput     `json:"analysis,omitempty"`
	Decision       *debate.PortfolioDecision `json:"decision,omitempty"`
	Execution      *ExecutionRecord          `json:"execution,omitempty"`
	StartedAt      time.Time                 `json:"started_at"`
	FinishedAt     *time.Time                `json:"finished_at,omitempty"`
}

// CycleError is one recoverable failure captured during the cycle.
type CycleError struct {
	Node    string    `json:"node"`
	Symbol  string    `json:"symbol,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// CycleState is the document every node reads and writes. It must survive a
// JSON round trip unchanged; anything a node stores here has to marshal
// deterministically.
type CycleState struct {
	CycleID        int64                 `json:"cycle_id"`
	BotID          int64                 `json:"bot_id"`
	StartedAt      time.Time             `json:"started_at"`
	ConfigSnapshot *database.Bot         `json:"config_snapshot,omitempty"`
	Symbols        []string              `json:"symbols,omitempty"`
	Runs           map[string]*RunRecord `json:"runs,omitempty"`
	Balance        *exchange.Balance     `json:"balance,omitempty"`
	Positions      []exchange.Position   `json:"positions,omitempty"`
	Performance    *performance.Metrics  `json:"performance_window,omitempty"`
	Debate         *debate.Result        `json:"debate,omitempty"`
	Trailing       []risk.Proposal       `json:"trailing_proposals,omitempty"`
	Errors         []CycleError          `json:"errors,omitempty"`
	Alerts         []string              `json:"alerts,omitempty"`
	PauseRequested bool                  `json:"pause_requested,omitempty"`
	PauseReasons   []string              `json:"pause_reasons,omitempty"`
}

// NewCycleState starts a cycle for the bot. The bot row is embedded as the
// config snapshot so a replayed checkpoint sees the exact config the cycle
// ran under, not whatever the table holds later.
func NewCycleState(bot *database.Bot, cycleID int64) *CycleState {
	return &CycleState{
		CycleID:        cycleID,
		BotID:          bot.ID,
		StartedAt:      time.Now().UTC(),
		ConfigSnapshot: bot,
		Runs:           make(map[string]*RunRecord),
	}
}

// Run returns the record for symbol, creating it on first use.
func (s *CycleState) Run(symbol string) *RunRecord {
	if s.Runs == nil {
		s.Runs = make(map[string]*RunRecord)
	}
	if r, ok := s.Runs[symbol]; ok {
		return r
	}
	r := &RunRecord{
		RunID:     uuid.NewString(),
		Symbol:    symbol,
		StartedAt: time.Now().UTC(),
	}
	s.Runs[symbol] = r
	return r
}

// AddError records a recoverable failure without aborting the cycle.
func (s *CycleState) AddError(node, symbol, message string) {
	s.Errors = append(s.Errors, CycleError{
		Node:    node,
		Symbol:  symbol,
		Message: message,
		At:      time.Now().UTC(),
	})
}

// DropSymbol removes symbol from the working set. Its run record stays so
// the cycle document shows why the symbol fell out.
func (s *CycleState) DropSymbol(symbol string) {
	for i, sym := range s.Symbols {
		if sym == symbol {
			s.Symbols = append(s.Symbols[:i], s.Symbols[i+1:]...)
			return
		}
	}
}

// Marshal serializes the state for a checkpoint.
func (s *CycleState) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, err)
	}
	return data, nil
}

// UnmarshalState restores a checkpointed state.
func UnmarshalState(data []byte) (*CycleState, error) {
	var st CycleState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errkind.Wrap(errkind.Fatal, err)
	}
	return &st, nil
}

// Field resolves a dotted path ("balance.total", "cycle_id") against the
// JSON form of the state for conditional edge evaluation. The second return
// is false when the path does not exist.
func (s *CycleState) Field(path string) (any, bool) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	return resolvePath(doc, path)
}
