// Package nodes holds the built-in pipeline plugins: coin selection, market
// data collection, quant scoring, the LLM debate, risk review, and order
// execution. Each plugin reads and writes the shared cycle state and leaves
// the heavy lifting to the packages it fronts.
package nodes

import (
	"github.com/stratoforge/quantra/internal/pipeline"
)

// Built-in plugin names. Workflow rows reference plugins by these.
const (
	NameCoinsPick   = "coins_pick"
	NameMarketState = "market_state"
	NameQuantFilter = "quant_signal_filter"
	NameDebate      = "debate_decision"
	NameRiskMonitor = "risk_monitor"
	NameExecution   = "execution"
)

// RegisterBuiltins adds every built-in plugin to the registry.
func RegisterBuiltins(r *pipeline.Registry) error {
	ctors := []pipeline.Constructor{
		func() pipeline.Plugin { return &CoinsPick{} },
		func() pipeline.Plugin { return &MarketState{} },
		func() pipeline.Plugin { return &QuantFilter{} },
		func() pipeline.Plugin { return &DebateDecision{} },
		func() pipeline.Plugin { return &RiskMonitor{} },
		func() pipeline.Plugin { return &Execution{} },
	}
	for _, ctor := range ctors {
		if err := r.Register(ctor); err != nil {
			return err
		}
	}
	return nil
}
