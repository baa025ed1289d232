package nodes

import (
	"context"
	"testing"

	"github.com/stratoforge/quantra/internal/pipeline"
)

func TestMarketStateFillsRuns(t *testing.T) {
	bot := testBot()
	fix := newFixture(bot)
	fix.client.SetCandles("BTC/USDT", "3m", trendingCandles(120, 60000))
	fix.client.SetTicker("BTC/USDT", 65000)
	fix.client.FundingRates["BTC/USDT"] = 0.0001
	fix.client.OpenInterests["BTC/USDT"] = 5000

	state := pipeline.NewCycleState(bot, 1)
	state.Symbols = []string{"BTC/USDT"}
	state.Run("BTC/USDT")

	if err := (&MarketState{}).Run(context.Background(), state, fix.deps); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run := state.Runs["BTC/USDT"]
	if run.Indicators == nil {
		t.Fatal("indicators not computed")
	}
	// The live ticker is fresher than the last candle close.
	if run.Indicators.Price != 65000 {
		t.Errorf("price = %v, want ticker last 65000", run.Indicators.Price)
	}
	if run.FundingRate != 0.0001 {
		t.Errorf("funding rate = %v, want 0.0001", run.FundingRate)
	}
	if run.OpenInterest != 5000 {
		t.Errorf("open interest = %v, want 5000", run.OpenInterest)
	}
	if run.Indicators.Candles != 100 {
		t.Errorf("candles = %d, want default limit 100", run.Indicators.Candles)
	}
}

func TestMarketStateHonorsOHLCVLimits(t *testing.T) {
	bot := testBot()
	bot.OHLCVLimits = map[string]int{"3m": 50}
	fix := newFixture(bot)
	fix.client.SetCandles("BTC/USDT", "3m", trendingCandles(120, 60000))
	fix.client.SetTicker("BTC/USDT", 65000)

	state := pipeline.NewCycleState(bot, 1)
	state.Symbols = []string{"BTC/USDT"}

	if err := (&MarketState{}).Run(context.Background(), state, fix.deps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := state.Runs["BTC/USDT"].Indicators.Candles; got != 50 {
		t.Errorf("candles = %d, want 50", got)
	}
}

func TestMarketStateDropsSymbolWithoutPrimaryCandles(t *testing.T) {
	bot := testBot()
	fix := newFixture(bot)
	fix.client.SetCandles("BTC/USDT", "3m", trendingCandles(120, 60000))
	fix.client.SetTicker("BTC/USDT", 65000)
	// ETH has no scripted candles at all.

	state := pipeline.NewCycleState(bot, 1)
	state.Symbols = []string{"BTC/USDT", "ETH/USDT"}

	if err := (&MarketState{}).Run(context.Background(), state, fix.deps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(state.Symbols) != 1 || state.Symbols[0] != "BTC/USDT" {
		t.Fatalf("symbols = %v, want [BTC/USDT]", state.Symbols)
	}
	if len(state.Errors) != 1 || state.Errors[0].Node != NameMarketState || state.Errors[0].Symbol != "ETH/USDT" {
		t.Fatalf("errors = %+v, want one market_state error for ETH/USDT", state.Errors)
	}
	if _, ok := state.Runs["ETH/USDT"]; !ok {
		t.Error("dropped symbol lost its run record")
	}
}

func TestMarketStateMissingTickerKeepsCandleClose(t *testing.T) {
	bot := testBot()
	fix := newFixture(bot)
	candles := trendingCandles(120, 60000)
	fix.client.SetCandles("BTC/USDT", "3m", candles)
	// No ticker scripted: the candle close must survive.

	state := pipeline.NewCycleState(bot, 1)
	state.Symbols = []string{"BTC/USDT"}

	if err := (&MarketState{}).Run(context.Background(), state, fix.deps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	run := state.Runs["BTC/USDT"]
	if run.Indicators == nil {
		t.Fatal("indicators not computed")
	}
	want := candles[len(candles)-1].Close
	if run.Indicators.Price != want {
		t.Errorf("price = %v, want candle close %v", run.Indicators.Price, want)
	}
	if len(state.Symbols) != 1 {
		t.Errorf("symbol dropped on a missing ticker")
	}
}

func TestMarketStateSecondaryTimeframeBestEffort(t *testing.T) {
	bot := testBot()
	bot.Timeframes = []string{"3m", "4h"}
	fix := newFixture(bot)
	fix.client.SetCandles("BTC/USDT", "3m", trendingCandles(120, 60000))
	fix.client.SetTicker("BTC/USDT", 65000)
	// 4h series missing: the symbol still survives on its primary data.

	state := pipeline.NewCycleState(bot, 1)
	state.Symbols = []string{"BTC/USDT"}

	if err := (&MarketState{}).Run(context.Background(), state, fix.deps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(state.Symbols) != 1 {
		t.Fatalf("symbols = %v, want [BTC/USDT]", state.Symbols)
	}
	if state.Runs["BTC/USDT"].Indicators == nil {
		t.Error("primary indicators missing")
	}
}
