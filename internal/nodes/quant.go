package nodes

import (
	"context"
	"math"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/indicators"
	"github.com/stratoforge/quantra/internal/pipeline"
)

// Component keys in the quant breakdown map.
const (
	ComponentTrend     = "trend"
	ComponentMomentum  = "momentum"
	ComponentVolume    = "volume"
	ComponentSentiment = "sentiment"
)

// Score computes the composite 0-100 quant score for one symbol: a weighted
// sum of trend, momentum, volume and sentiment components, each themselves
// on a 0-100 scale. The breakdown carries the unweighted components so the
// debate prompts and the API can show where a score came from.
func Score(snap *indicators.Snapshot, fundingRate float64, w database.QuantWeights) (float64, map[string]float64) {
	trend := trendComponent(snap)
	momentum := momentumComponent(snap)
	volume := clamp(snap.VolumeRatio*50, 0, 100)
	sentiment := clamp(50+math.Abs(fundingRate*100)*500, 0, 100)

	breakdown := map[string]float64{
		ComponentTrend:     trend,
		ComponentMomentum:  momentum,
		ComponentVolume:    volume,
		ComponentSentiment: sentiment,
	}
	composite := trend*w.Trend + momentum*w.Momentum + volume*w.Volume + sentiment*w.Sentiment
	return clamp(composite, 0, 100), breakdown
}

// trendComponent rewards a directional EMA trend and nudges the score by
// whether the MACD histogram agrees with it.
func trendComponent(snap *indicators.Snapshot) float64 {
	base := 30.0
	agree := 0.0
	switch snap.Trend {
	case indicators.TrendUp:
		base = 80
		if snap.MACDHistogram > 0 {
			agree = 10
		} else if snap.MACDHistogram < 0 {
			agree = -10
		}
	case indicators.TrendDown:
		base = 80
		if snap.MACDHistogram < 0 {
			agree = 10
		} else if snap.MACDHistogram > 0 {
			agree = -10
		}
	}
	return clamp(base+agree, 0, 100)
}

// momentumComponent blends RSI distance from neutral with the raw price
// momentum. Both sides of 50 RSI count: strong oversold is as actionable
// as strong overbought.
func momentumComponent(snap *indicators.Snapshot) float64 {
	rsi := math.Min(100, math.Abs(snap.RSI-50)*2)
	mom := math.Min(100, math.Abs(snap.MomentumPct)*20)
	return clamp(0.7*rsi+0.3*mom, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// QuantFilter scores every surviving symbol and drops the ones below the
// bot's threshold before any LLM spend. The score and its breakdown stay in
// the run record either way.
type QuantFilter struct{}

func (*QuantFilter) Metadata() pipeline.Metadata {
	return pipeline.Metadata{
		Name:           NameQuantFilter,
		DisplayName:    "Quant Signal Filter",
		Category:       pipeline.CategoryAnalysis,
		InsertAfter:    NameMarketState,
		SuggestedOrder: 30,
		DefaultConfig:  map[string]any{"threshold": 0.0},
	}
}

func (n *QuantFilter) Run(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps) error {
	threshold := deps.Bot.QuantThreshold
	if v := deps.ConfigFloat("threshold", 0); v > 0 {
		threshold = v
	}

	kept := 0
	for _, symbol := range append([]string(nil), state.Symbols...) {
		run := state.Run(symbol)
		if run.Indicators == nil {
			deps.Log.Warn().Str("symbol", symbol).Msg("no indicators, dropping from quant filter")
			state.DropSymbol(symbol)
			continue
		}
		score, breakdown := Score(run.Indicators, run.FundingRate, deps.Bot.QuantWeights)
		run.QuantScore = &score
		run.QuantBreakdown = breakdown

		if score < threshold {
			deps.Log.Debug().
				Str("symbol", symbol).
				Float64("score", score).
				Float64("threshold", threshold).
				Msg("below quant threshold, dropping")
			state.DropSymbol(symbol)
			continue
		}
		kept++
	}

	deps.Log.Info().
		Int("kept", kept).
		Float64("threshold", threshold).
		Msg("quant filter done")
	return nil
}
