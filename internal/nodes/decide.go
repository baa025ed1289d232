package nodes

import (
	"context"
	"time"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/debate"
	"github.com/stratoforge/quantra/internal/pipeline"
)

// DebateDecision runs the multi-role LLM debate over the surviving symbols
// and stores the portfolio decision in the cycle state. Previous-cycle
// alerts are consumed here: they reach the prompts once and are cleared.
type DebateDecision struct{}

func (*DebateDecision) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           NameDebate,
		DisplayName:    "Debate Decision",
		Category:       pipeline.CategoryDecision,
		InsertAfter:    NameQuantFilter,
		SuggestedOrder: 40,
		RequiresLLM:    true,
		DefaultConfig: map[string]any{
			"max_rounds":        0.0,
			"timeout_per_phase": 0.0,
		},
	}
}

func (n *DebateDecision) Run(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps) error {
	if len(state.Symbols) == 0 {
		deps.Log.Info().Msg("no symbols survived to the debate")
		return nil
	}

	cfg := n.config(ctx, deps)

	features := make(map[string]debate.SymbolFeatures, len(state.Symbols))
	for _, symbol := range state.Symbols {
		run, ok := state.Runs[symbol]
		if !ok || run.Indicators == nil {
			continue
		}
		f := debate.SymbolFeatures{
			Snapshot:       *run.Indicators,
			QuantBreakdown: run.QuantBreakdown,
			FundingRate:    run.FundingRate,
		}
		if run.QuantScore != nil {
			f.QuantScore = *run.QuantScore
		}
		features[symbol] = f
	}

	history, err := deps.Trades.RecentClosed(ctx, deps.Bot.ID, cfg.HistoryLimit)
	if err != nil {
		deps.Log.Warn().Err(err).Msg("trade history unavailable for debate")
	}

	engine := debate.NewEngine(deps.LLM, deps.Bot, cfg, deps.Log)
	result, err := engine.Run(ctx, debate.Input{
		BotID:       state.BotID,
		CycleID:     state.CycleID,
		Symbols:     state.Symbols,
		Features:    features,
		Account:     state.Balance,
		Positions:   state.Positions,
		Alerts:      state.Alerts,
		Limits:      deps.Bot.Risk,
		Performance: state.Performance,
		History:     history,
	})
	if err != nil {
		return err
	}

	state.Debate = result
	state.Alerts = nil
	for i := range result.Final.Decisions {
		d := result.Final.Decisions[i]
		if run, ok := state.Runs[d.Symbol]; ok {
			run.Decision = &d
		}
		deps.Bus.PublishDecisionMade(state.BotID, d.Symbol, d.Action, d.AllocationPct, d.Confidence)
	}

	deps.Log.Info().
		Int("decisions", len(result.Final.Decisions)).
		Float64("total_allocation_pct", result.Final.TotalAllocationPct).
		Msg("debate complete")
	return nil
}

// config resolves the engine tuning: system config first, then per-node
// overrides.
func (n *DebateDecision) config(ctx context.Context, deps *pipeline.Deps) debate.Config {
	cfg := debate.Config{
		MaxRounds:    debate.DefaultMaxRounds,
		PhaseTimeout: debate.DefaultPhaseTimeout,
		HistoryLimit: debate.DefaultHistoryLimit,
	}
	if deps.Settings != nil {
		cfg.MaxRounds = deps.Settings.GetInt(ctx, database.KeyDebateMaxRounds, cfg.MaxRounds)
		seconds := deps.Settings.GetInt(ctx, database.KeyDebateTimeoutPerPhase, int(cfg.PhaseTimeout/time.Second))
		cfg.PhaseTimeout = time.Duration(seconds) * time.Second
		cfg.HistoryLimit = deps.Settings.GetInt(ctx, database.KeyDebateTradeHistoryLimit, cfg.HistoryLimit)
	}
	if v := deps.ConfigInt("max_rounds", 0); v > 0 {
		cfg.MaxRounds = v
	}
	if v := deps.ConfigInt("timeout_per_phase", 0); v > 0 {
		cfg.PhaseTimeout = time.Duration(v) * time.Second
	}
	if v := deps.ConfigInt("trade_history_limit", 0); v > 0 {
		cfg.HistoryLimit = v
	}
	return cfg
}
