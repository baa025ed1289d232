package nodes

import (
	"context"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/indicators"
	"github.com/stratoforge/quantra/internal/pipeline"
)

// defaultOHLCVLimit is the candle history fetched when the bot does not pin
// a limit for a timeframe.
const defaultOHLCVLimit = 100

// MarketState fetches candles for every configured timeframe, computes the
// indicator snapshot on the first (primary) timeframe, and decorates each
// run with the live ticker price, funding rate and open interest. A symbol
// with no primary-timeframe history is dropped; secondary data is best
// effort.
type MarketState struct{}

func (*MarketState) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           NameMarketState,
		DisplayName:    "Market State",
		Category:       pipeline.CategoryDataSource,
		InsertAfter:    NameCoinsPick,
		SuggestedOrder: 20,
	}
}

func (n *MarketState) Run(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps) error {
	timeframes := deps.Bot.Timeframes
	if len(timeframes) == 0 {
		timeframes = []string{"3m", "4h"}
	}
	primary := timeframes[0]
	params := indicatorParams(deps.Bot.IndicatorConfig)

	for _, symbol := range append([]string(nil), state.Symbols...) {
		run := state.Run(symbol)

		dropped := false
		for _, tf := range timeframes {
			limit := deps.Bot.OHLCVLimits[tf]
			if limit <= 0 {
				limit = defaultOHLCVLimit
			}
			candles, err := deps.Markets.OHLCV(ctx, symbol, tf, limit)
			if err != nil || (tf == primary && len(candles) == 0) {
				if tf == primary {
					detail := "empty series"
					if err != nil {
						detail = err.Error()
					}
					state.AddError(NameMarketState, symbol, "no "+tf+" candles: "+detail)
					state.DropSymbol(symbol)
					dropped = true
					break
				}
				deps.Log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", tf).Msg("secondary timeframe unavailable")
				continue
			}
			if tf == primary {
				snap := indicators.ComputeWith(candles, params)
				run.Indicators = &snap
			}
		}
		if dropped {
			continue
		}

		if ticker, err := deps.Markets.Ticker(ctx, symbol); err != nil {
			deps.Log.Warn().Err(err).Str("symbol", symbol).Msg("ticker unavailable")
		} else if ticker.Last > 0 && run.Indicators != nil {
			run.Indicators.Price = ticker.Last
		}

		if rate, err := deps.Markets.FundingRate(ctx, symbol); err != nil {
			deps.Log.Warn().Err(err).Str("symbol", symbol).Msg("funding rate unavailable")
		} else {
			run.FundingRate = rate
		}

		if oi, err := deps.Markets.OpenInterest(ctx, symbol); err != nil {
			deps.Log.Warn().Err(err).Str("symbol", symbol).Msg("open interest unavailable")
		} else {
			run.OpenInterest = oi
		}
	}

	deps.Log.Info().Int("symbols", len(state.Symbols)).Str("primary_timeframe", primary).Msg("market state collected")
	return nil
}

// indicatorParams maps the bot's stored indicator config onto compute
// parameters. The first two EMA periods become the fast and slow EMAs.
func indicatorParams(cfg database.IndicatorConfig) indicators.Params {
	p := indicators.Params{
		RSIPeriod:       cfg.RSIPeriod,
		MACDFast:        cfg.MACDFast,
		MACDSlow:        cfg.MACDSlow,
		MACDSignal:      cfg.MACDSignal,
		ATRPeriod:       cfg.ATRPeriod,
		BollingerPeriod: cfg.BollingerPeriod,
		BollingerStdDev: cfg.BollingerStdDev,
	}
	if len(cfg.EMAPeriods) > 0 {
		p.EMAFast = cfg.EMAPeriods[0]
	}
	if len(cfg.EMAPeriods) > 1 {
		p.EMASlow = cfg.EMAPeriods[1]
	}
	return p
}
