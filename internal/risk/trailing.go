package risk

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/exchange"
)

// Proposal kinds emitted by the trailing manager. The manager only
// proposes; the executor issues the amend or close order.
const (
	ProposalAmendStop = "amend_stop"
	ProposalClose     = "close"
)

// Proposal asks the executor to move a stop or close a position.
type Proposal struct {
	Symbol    string                `json:"symbol"`
	Kind      string                `json:"kind"`
	Side      exchange.PositionSide `json:"side"`
	StopPrice float64               `json:"stop_price,omitempty"`
	PnLPct    float64               `json:"pnl_pct"`
	Reason    string                `json:"reason"`
}

// TrailingState is the per-symbol trail. PnL percents here are price
// moves from entry, not margin returns.
type TrailingState struct {
	Symbol     string  `json:"symbol"`
	PeakPnLPct float64 `json:"peak_pnl_pct"`
	TrailingSL float64 `json:"trailing_sl,omitempty"`
	Activated  bool    `json:"activated"`
}

// TrailingManager moves stops toward profit once a position clears the
// trigger threshold. It lives on the bot worker so trails survive across
// cycles; closing a position must clear its state.
type TrailingManager struct {
	enabled     bool
	triggerPct  float64
	distancePct float64
	lockPct     float64
	log         zerolog.Logger

	mu     sync.Mutex
	states map[string]*TrailingState
}

func NewTrailingManager(limits database.RiskLimits, log zerolog.Logger) *TrailingManager {
	return &TrailingManager{
		enabled:     limits.TrailingStopEnabled,
		triggerPct:  limits.TrailingStopTriggerPct,
		distancePct: limits.TrailingStopDistancePct,
		lockPct:     limits.TrailingStopLockProfitPct,
		log:         log.With().Str("component", "trailing_stop").Logger(),
		states:      make(map[string]*TrailingState),
	}
}

// Check walks the open positions, advances each trail and returns the
// resulting proposals. A position with no live price is skipped with a
// warning; falling back to the entry price would freeze its PnL at zero
// and the trail would never fire.
func (t *TrailingManager) Check(positions []exchange.Position, prices map[string]float64) []Proposal {
	if !t.enabled {
		return nil
	}
	var proposals []Proposal
	for _, pos := range positions {
		price, ok := prices[pos.Symbol]
		if !ok || price <= 0 {
			t.log.Warn().Str("symbol", pos.Symbol).Msg("no realtime price, skipping trailing check")
			continue
		}
		if sl, moved := t.advance(pos, price); moved {
			proposals = append(proposals, Proposal{
				Symbol:    pos.Symbol,
				Kind:      ProposalAmendStop,
				Side:      pos.Side,
				StopPrice: sl,
				PnLPct:    pricePnL(pos, price),
				Reason:    "trailing stop moved",
			})
		}
		if t.shouldClose(pos, price) {
			proposals = append(proposals, Proposal{
				Symbol: pos.Symbol,
				Kind:   ProposalClose,
				Side:   pos.Side,
				PnLPct: pricePnL(pos, price),
				Reason: "price crossed the trailing stop",
			})
		}
	}
	return proposals
}

// advance recomputes the trail for one position and reports whether the
// stop moved. The stop only ever moves toward profit.
func (t *TrailingManager) advance(pos exchange.Position, price float64) (float64, bool) {
	pnlPct := pricePnL(pos, price)
	if pnlPct < t.triggerPct {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[pos.Symbol]
	if !ok {
		state = &TrailingState{Symbol: pos.Symbol}
		t.states[pos.Symbol] = state
	}
	if !state.Activated {
		state.Activated = true
		t.log.Info().Str("symbol", pos.Symbol).Float64("pnl_pct", pnlPct).Msg("trailing stop activated")
	}
	if pnlPct > state.PeakPnLPct {
		state.PeakPnLPct = pnlPct
	}

	if pos.Side == exchange.PositionShort {
		newSL := price * (1 + t.distancePct/100)
		if lock := pos.EntryPrice * (1 - t.lockPct/100); newSL > lock {
			newSL = lock
		}
		if state.TrailingSL == 0 || newSL < state.TrailingSL {
			state.TrailingSL = newSL
			t.log.Info().Str("symbol", pos.Symbol).Float64("stop", newSL).Float64("peak_pnl_pct", state.PeakPnLPct).Msg("trailing stop moved")
			return newSL, true
		}
		return 0, false
	}

	newSL := price * (1 - t.distancePct/100)
	if lock := pos.EntryPrice * (1 + t.lockPct/100); newSL < lock {
		newSL = lock
	}
	if newSL > state.TrailingSL {
		state.TrailingSL = newSL
		t.log.Info().Str("symbol", pos.Symbol).Float64("stop", newSL).Float64("peak_pnl_pct", state.PeakPnLPct).Msg("trailing stop moved")
		return newSL, true
	}
	return 0, false
}

func (t *TrailingManager) shouldClose(pos exchange.Position, price float64) bool {
	t.mu.Lock()
	state, ok := t.states[pos.Symbol]
	t.mu.Unlock()
	if !ok || !state.Activated || state.TrailingSL == 0 {
		return false
	}
	if pos.Side == exchange.PositionShort {
		return price >= state.TrailingSL
	}
	return price <= state.TrailingSL
}

// ClearSymbol drops the trail after a position closes so a re-entry
// starts fresh.
func (t *TrailingManager) ClearSymbol(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.states[symbol]; ok {
		t.log.Info().Str("symbol", symbol).Float64("peak_pnl_pct", state.PeakPnLPct).Msg("clearing trailing state")
		delete(t.states, symbol)
	}
}

// State exposes one symbol's trail for status reporting.
func (t *TrailingManager) State(symbol string) (TrailingState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[symbol]
	if !ok {
		return TrailingState{}, false
	}
	return *state, true
}

// pricePnL is the percent price move in the position's favor.
func pricePnL(pos exchange.Position, price float64) float64 {
	if pos.EntryPrice <= 0 {
		return 0
	}
	if pos.Side == exchange.PositionShort {
		return (pos.EntryPrice - price) / pos.EntryPrice * 100
	}
	return (price - pos.EntryPrice) / pos.EntryPrice * 100
}
