package nodes

import (
	"context"

	"github.com/stratoforge/quantra/internal/market"
	"github.com/stratoforge/quantra/internal/pipeline"
)

// CoinsPick fills the cycle's working symbol set. Bots with pinned symbols
// pass them through; otherwise the coin selector ranks the venue's liquid
// markets. Either way the stream manager is reconciled afterward so the
// WebSocket subscriptions match what the rest of the cycle will read.
type CoinsPick struct{}

func (*CoinsPick) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           NameCoinsPick,
		DisplayName:    "Coin Selection",
		Category:       pipeline.CategoryDataSource,
		SuggestedOrder: 10,
		RequiresTrader: true,
		DefaultConfig:  map[string]any{"top_n": 0.0},
	}
}

func (n *CoinsPick) Run(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps) error {
	limit := deps.Bot.MaxConcurrentSymbols
	if v := deps.ConfigInt("top_n", 0); v > 0 {
		limit = v
	}
	if limit <= 0 {
		limit = 5
	}

	var symbols []string
	if len(deps.Bot.Symbols) > 0 {
		symbols = append(symbols, deps.Bot.Symbols...)
		if len(symbols) > limit {
			symbols = symbols[:limit]
		}
	} else {
		candidates, err := deps.Coins.Select(ctx, nil, limit)
		if err != nil {
			return err
		}
		symbols = market.Symbols(candidates)
	}

	state.Symbols = symbols
	for _, symbol := range symbols {
		state.Run(symbol)
	}

	if deps.Streams != nil {
		stats := deps.Streams.Reconcile(ctx, symbols)
		deps.Log.Info().
			Strs("symbols", symbols).
			Int("streams_active", stats.Active).
			Int("streams_failed", stats.Failed).
			Msg("symbols selected")
		return nil
	}
	deps.Log.Info().Strs("symbols", symbols).Msg("symbols selected")
	return nil
}
