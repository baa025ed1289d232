package pipeline

import (
	"bytes"
	"testing"
	"time"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/debate"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/indicators"
)

func testBot() *database.Bot {
	return &database.Bot{
		ID:                   7,
		Name:                 "momentum-7",
		ExchangeID:           1,
		WorkflowID:           1,
		TradingMode:          database.ModePaper,
		CycleIntervalSeconds: 180,
		MaxConcurrentSymbols: 3,
		Symbols:              []string{"BTC/USDT", "ETH/USDT"},
		Timeframes:           []string{"3m", "4h"},
		QuantWeights:         database.DefaultQuantWeights(),
		QuantThreshold:       50,
		Risk:                 database.DefaultRiskLimits(),
		InitialBalance:       10000,
	}
}

func TestCycleStateRoundTrip(t *testing.T) {
	st := NewCycleState(testBot(), 12)
	st.Symbols = []string{"BTC/USDT"}
	st.Balance = &exchange.Balance{Asset: "USDT", Total: 10000, Free: 8000, Used: 2000}
	run := st.Run("BTC/USDT")
	run.Indicators = &indicators.Snapshot{Price: 43000, RSI: 61.2, Trend: indicators.TrendUp}
	score := 74.0
	run.QuantScore = &score
	run.Decision = &debate.PortfolioDecision{
		Symbol: "BTC/USDT", Action: debate.ActionOpenLong,
		AllocationPct: 5, Leverage: 3, StopLoss: 42000, TakeProfit: 46000,
	}
	st.AddError("market_state", "ETH/USDT", "ticker fetch failed")
	st.Alerts = []string{"execution failed for SOL/USDT last cycle"}

	first, err := st.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnmarshalState(first)
	if err != nil {
		t.Fatal(err)
	}
	second, err := restored.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("round trip changed bytes:\n%s\n%s", first, second)
	}

	if restored.CycleID != 12 || restored.BotID != 7 {
		t.Errorf("identity fields lost: cycle=%d bot=%d", restored.CycleID, restored.BotID)
	}
	r := restored.Runs["BTC/USDT"]
	if r == nil || r.RunID != run.RunID {
		t.Fatal("run record lost in round trip")
	}
	if r.Decision.Action != debate.ActionOpenLong {
		t.Errorf("decision action = %q", r.Decision.Action)
	}
	if *r.QuantScore != 74.0 {
		t.Errorf("quant score = %v", *r.QuantScore)
	}
}

func TestRunCreatesOnce(t *testing.T) {
	st := NewCycleState(testBot(), 1)

	a := st.Run("BTC/USDT")
	b := st.Run("BTC/USDT")
	if a != b {
		t.Error("Run must return the same record for a symbol")
	}
	if a.RunID == "" {
		t.Error("run id not assigned")
	}
	if c := st.Run("ETH/USDT"); c.RunID == a.RunID {
		t.Error("run ids must differ per symbol")
	}
}

func TestDropSymbolKeepsRecord(t *testing.T) {
	st := NewCycleState(testBot(), 1)
	st.Symbols = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}
	st.Run("ETH/USDT")

	st.DropSymbol("ETH/USDT")

	want := []string{"BTC/USDT", "SOL/USDT"}
	if len(st.Symbols) != 2 || st.Symbols[0] != want[0] || st.Symbols[1] != want[1] {
		t.Errorf("symbols = %v, want %v", st.Symbols, want)
	}
	if _, ok := st.Runs["ETH/USDT"]; !ok {
		t.Error("dropping a symbol must keep its run record")
	}

	st.DropSymbol("not-present")
	if len(st.Symbols) != 2 {
		t.Error("dropping an absent symbol must be a no-op")
	}
}

func TestStateField(t *testing.T) {
	st := NewCycleState(testBot(), 9)
	st.Balance = &exchange.Balance{Total: 5000}

	if v, ok := st.Field("cycle_id"); !ok || v.(float64) != 9 {
		t.Errorf("cycle_id = %v, %v", v, ok)
	}
	if v, ok := st.Field("balance.total"); !ok || v.(float64) != 5000 {
		t.Errorf("balance.total = %v, %v", v, ok)
	}
	if _, ok := st.Field("debate.final_decision"); ok {
		t.Error("nil debate must not resolve")
	}
}

func TestAddErrorTimestamps(t *testing.T) {
	st := NewCycleState(testBot(), 1)
	before := time.Now().UTC()
	st.AddError("execution", "BTC/USDT", "boom")

	if len(st.Errors) != 1 {
		t.Fatalf("errors = %d", len(st.Errors))
	}
	e := st.Errors[0]
	if e.Node != "execution" || e.Symbol != "BTC/USDT" || e.Message != "boom" {
		t.Errorf("error = %+v", e)
	}
	if e.At.Before(before.Add(-time.Second)) {
		t.Error("error timestamp not set")
	}
}
