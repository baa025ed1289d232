package debate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/indicators"
	"github.com/stratoforge/quantra/internal/llm"
)

// fakeLLM scripts replies per request. Safe for the analyst fan-out,
// which hits one client from several goroutines.
type fakeLLM struct {
	mu    sync.Mutex
	name  string
	fn    func(ctx context.Context, req llm.Request) (string, error)
	calls int
	reqs  []llm.Request
}

func (f *fakeLLM) Name() string { return f.name }

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls++
	f.reqs = append(f.reqs, req)
	fn := f.fn
	f.mu.Unlock()
	text, err := fn(ctx, req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Model: "fake-model"}, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLLM) requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.reqs...)
}

func staticReply(text string) func(context.Context, llm.Request) (string, error) {
	return func(context.Context, llm.Request) (string, error) {
		return text, nil
	}
}

type fakeResolver struct {
	clients map[string]llm.Client
	err     error
}

func (r *fakeResolver) ForRole(ctx context.Context, bot *database.Bot, role string) (llm.Client, error) {
	if r.err != nil {
		return nil, r.err
	}
	client, ok := r.clients[role]
	if !ok {
		return nil, fmt.Errorf("no client for role %s", role)
	}
	return client, nil
}

func analystReply(symbol, trend string) string {
	return fmt.Sprintf(`{"symbol": %q, "trend": %q, "key_levels": {"support": 61000}, "summary": "EMAs aligned with the move."}`, symbol, trend)
}

// analystBySymbol answers per symbol, erroring for symbols without a script.
func analystBySymbol(replies map[string]string) func(context.Context, llm.Request) (string, error) {
	return func(_ context.Context, req llm.Request) (string, error) {
		for symbol, reply := range replies {
			if strings.Contains(req.Prompt, "Analyze "+symbol) {
				return reply, nil
			}
		}
		return "", errors.New("analyst backend down")
	}
}

func testInput(symbols ...string) Input {
	features := make(map[string]SymbolFeatures, len(symbols))
	for i, symbol := range symbols {
		features[symbol] = SymbolFeatures{
			Snapshot: indicators.Snapshot{
				Price:       100 * float64(i+1),
				RSI:         55,
				MACD:        1.2,
				MACDSignal:  0.8,
				VolumeRatio: 1.1,
				MomentumPct: 2.5,
				Trend:       indicators.TrendUp,
				Candles:     120,
			},
			QuantScore:     64,
			QuantBreakdown: map[string]float64{"trend": 30, "momentum": 20, "volume": 10, "sentiment": 4},
			FundingRate:    0.0001,
		}
	}
	return Input{
		BotID:    7,
		CycleID:  42,
		Symbols:  symbols,
		Features: features,
		Account:  &exchange.Balance{Asset: "USDT", Total: 10000, Free: 8000, Used: 1200},
		Limits:   database.DefaultRiskLimits(),
	}
}

func newTestEngine(clients map[string]llm.Client, cfg Config) *Engine {
	return NewEngine(&fakeResolver{clients: clients}, nil, cfg, zerolog.Nop())
}

func TestRunHappyPath(t *testing.T) {
	analyst := &fakeLLM{name: "analyst", fn: analystBySymbol(map[string]string{
		"BTC/USDT": analystReply("BTC/USDT", "bullish"),
		"ETH/USDT": analystReply("ETH/USDT", "neutral"),
	})}
	bull := &fakeLLM{name: "bull", fn: staticReply(
		`[{"symbol": "BTC/USDT", "action": "long", "confidence": 72, "allocation_pct": 20, "stop_loss_pct": 2, "take_profit_pct": 5, "reasoning": "momentum and volume agree"}]`,
	)}
	bear := &fakeLLM{name: "bear", fn: staticReply(
		`[{"symbol": "ETH/USDT", "action": "short", "confidence": 65, "allocation_pct": 15, "stop_loss_pct": 2, "take_profit_pct": 4, "reasoning": "volume fading"}]`,
	)}
	risk := &fakeLLM{name: "risk", fn: staticReply(`{
		"decisions": [
			{"symbol": "BTC/USDT", "action": "open_long", "allocation_pct": 40, "leverage": 3, "stop_loss": 58000, "take_profit": 66000, "confidence": 72, "reasoning": "bull case stronger", "priority": 2},
			{"symbol": "ETH/USDT", "action": "wait", "allocation_pct": 0, "leverage": 1, "confidence": 0, "reasoning": "no edge", "priority": 1}
		],
		"total_allocation_pct": 70,
		"cash_reserve_pct": 30,
		"strategy_rationale": "Concentrate on the strongest trend."
	}`)}

	eng := newTestEngine(map[string]llm.Client{
		RoleAnalyst: analyst, RoleBull: bull, RoleBear: bear, RoleRiskManager: risk,
	}, Config{MaxRounds: 1, PhaseTimeout: 2 * time.Second})

	res, err := eng.Run(context.Background(), testInput("BTC/USDT", "ETH/USDT"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(res.AnalystOutputs) != 2 {
		t.Fatalf("analyst outputs = %d, want 2", len(res.AnalystOutputs))
	}
	if res.AnalystOutputs[0].Symbol != "BTC/USDT" || res.AnalystOutputs[0].Trend != TrendBullish {
		t.Errorf("first analyst output = %+v", res.AnalystOutputs[0])
	}
	if len(res.BullSuggestions) != 1 || res.BullSuggestions[0].Action != SuggestLong {
		t.Errorf("bull suggestions = %+v", res.BullSuggestions)
	}
	if len(res.BearSuggestions) != 1 || res.BearSuggestions[0].Action != SuggestShort {
		t.Errorf("bear suggestions = %+v", res.BearSuggestions)
	}

	if len(res.Final.Decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(res.Final.Decisions))
	}
	btc := res.Final.Decisions[0]
	if btc.Action != ActionOpenLong || btc.Leverage != 3 || btc.StopLoss != 58000 {
		t.Errorf("btc decision = %+v", btc)
	}
	// 40% busts the 30% per-symbol cap and must come back clamped, with
	// the totals recomputed rather than echoed from the model.
	if btc.AllocationPct != 30 {
		t.Errorf("btc allocation = %v, want clamped 30", btc.AllocationPct)
	}
	if res.Final.TotalAllocationPct != 30 || res.Final.CashReservePct != 70 {
		t.Errorf("totals = %v / %v, want 30 / 70", res.Final.TotalAllocationPct, res.Final.CashReservePct)
	}

	if res.Summary == "" || res.CompletedAt.IsZero() {
		t.Errorf("summary %q completed %v", res.Summary, res.CompletedAt)
	}

	bullReqs := bull.requests()
	if len(bullReqs) != 1 {
		t.Fatalf("bull calls = %d, want 1", len(bullReqs))
	}
	if !strings.Contains(bullReqs[0].Prompt, "BTC/USDT: bullish") {
		t.Errorf("bull prompt missing analyst summary:\n%s", bullReqs[0].Prompt)
	}
	if bullReqs[0].Schema != traderSchema {
		t.Errorf("bull schema = %q", bullReqs[0].Schema)
	}
	riskReqs := risk.requests()
	if !strings.Contains(riskReqs[0].Prompt, "momentum and volume agree") {
		t.Errorf("risk prompt missing bull case:\n%s", riskReqs[0].Prompt)
	}
	if !strings.Contains(riskReqs[0].Prompt, "using these exact symbols: BTC/USDT, ETH/USDT") {
		t.Errorf("risk prompt missing candidate list:\n%s", riskReqs[0].Prompt)
	}
}

func TestRunAnalystFailureDropsSymbol(t *testing.T) {
	// Only BTC is scripted; the ETH analyst call errors out.
	analyst := &fakeLLM{name: "analyst", fn: analystBySymbol(map[string]string{
		"BTC/USDT": analystReply("BTC/USDT", "bearish"),
	})}
	flat := staticReply("[]")
	risk := &fakeLLM{name: "risk", fn: staticReply(
		`{"decisions": [{"symbol": "BTC/USDT", "action": "wait"}, {"symbol": "ETH/USDT", "action": "wait"}], "strategy_rationale": "flat"}`,
	)}

	eng := newTestEngine(map[string]llm.Client{
		RoleAnalyst: analyst, RoleBull: &fakeLLM{name: "bull", fn: flat},
		RoleBear: &fakeLLM{name: "bear", fn: flat}, RoleRiskManager: risk,
	}, Config{MaxRounds: 1, PhaseTimeout: 2 * time.Second})

	res, err := eng.Run(context.Background(), testInput("BTC/USDT", "ETH/USDT"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.AnalystOutputs) != 1 || res.AnalystOutputs[0].Symbol != "BTC/USDT" {
		t.Fatalf("analyst outputs = %+v, want BTC only", res.AnalystOutputs)
	}
	// The dropped symbol stays a candidate for the final decision.
	riskReqs := risk.requests()
	if !strings.Contains(riskReqs[0].Prompt, "BTC/USDT, ETH/USDT") {
		t.Errorf("risk prompt lost the failed symbol:\n%s", riskReqs[0].Prompt)
	}
}

func TestRunAnalystTimeoutTurnsNeutral(t *testing.T) {
	analyst := &fakeLLM{name: "analyst", fn: func(ctx context.Context, req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "Analyze BTC/USDT") {
			return analystReply("BTC/USDT", "bullish"), nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	}}
	flat := staticReply("[]")
	risk := &fakeLLM{name: "risk", fn: staticReply(
		`{"decisions": [{"symbol": "BTC/USDT", "action": "wait"}, {"symbol": "ETH/USDT", "action": "wait"}], "strategy_rationale": "flat"}`,
	)}

	eng := newTestEngine(map[string]llm.Client{
		RoleAnalyst: analyst, RoleBull: &fakeLLM{name: "bull", fn: flat},
		RoleBear: &fakeLLM{name: "bear", fn: flat}, RoleRiskManager: risk,
	}, Config{MaxRounds: 1, PhaseTimeout: 50 * time.Millisecond})

	res, err := eng.Run(context.Background(), testInput("BTC/USDT", "ETH/USDT"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.AnalystOutputs) != 2 {
		t.Fatalf("analyst outputs = %+v, want 2", res.AnalystOutputs)
	}
	eth := res.AnalystOutputs[1]
	if eth.Symbol != "ETH/USDT" || eth.Trend != TrendNeutral {
		t.Errorf("timed-out symbol = %+v, want neutral ETH", eth)
	}
	if !strings.Contains(eth.Summary, "timed out") {
		t.Errorf("summary = %q", eth.Summary)
	}
}

func TestRunRoundsInjectOpposingView(t *testing.T) {
	analyst := &fakeLLM{name: "analyst", fn: analystBySymbol(map[string]string{
		"BTC/USDT": analystReply("BTC/USDT", "bullish"),
	})}
	bull := &fakeLLM{name: "bull", fn: staticReply("[]")}
	bear := &fakeLLM{name: "bear", fn: staticReply(
		`[{"symbol": "BTC/USDT", "action": "short", "confidence": 66, "allocation_pct": 10, "reasoning": "funding stretched beyond reason"}]`,
	)}
	risk := &fakeLLM{name: "risk", fn: staticReply(
		`{"decisions": [{"symbol": "BTC/USDT", "action": "wait"}], "strategy_rationale": "flat"}`,
	)}

	eng := newTestEngine(map[string]llm.Client{
		RoleAnalyst: analyst, RoleBull: bull, RoleBear: bear, RoleRiskManager: risk,
	}, Config{MaxRounds: 2, PhaseTimeout: 2 * time.Second})

	res, err := eng.Run(context.Background(), testInput("BTC/USDT"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Round 2's bull prompt carries the bear's round-1 case.
	bullReqs := bull.requests()
	if len(bullReqs) != 2 {
		t.Fatalf("bull calls = %d, want 2", len(bullReqs))
	}
	if strings.Contains(bullReqs[0].Prompt, "Opposing View") {
		t.Errorf("round 1 should have no opposing view:\n%s", bullReqs[0].Prompt)
	}
	if !strings.Contains(bullReqs[1].Prompt, "Opposing View (the bear's latest arguments)") ||
		!strings.Contains(bullReqs[1].Prompt, "funding stretched beyond reason") {
		t.Errorf("round 2 missing the bear case:\n%s", bullReqs[1].Prompt)
	}

	// The bull stayed silent, so the bear's round-2 prompt is identical to
	// round 1 and the cycle cache answers it without a second call.
	if got := bear.callCount(); got != 1 {
		t.Errorf("bear calls = %d, want 1 (cache hit on round 2)", got)
	}
	if len(res.BearSuggestions) != 1 {
		t.Errorf("bear suggestions = %+v", res.BearSuggestions)
	}
}

func TestRunRiskManagerFailureWaitsOnAll(t *testing.T) {
	analyst := &fakeLLM{name: "analyst", fn: analystBySymbol(map[string]string{
		"BTC/USDT": analystReply("BTC/USDT", "bullish"),
		"ETH/USDT": analystReply("ETH/USDT", "bearish"),
	})}
	flat := staticReply("[]")
	risk := &fakeLLM{name: "risk", fn: func(context.Context, llm.Request) (string, error) {
		return "", errors.New("backend down")
	}}

	eng := newTestEngine(map[string]llm.Client{
		RoleAnalyst: analyst, RoleBull: &fakeLLM{name: "bull", fn: flat},
		RoleBear: &fakeLLM{name: "bear", fn: flat}, RoleRiskManager: risk,
	}, Config{MaxRounds: 1, PhaseTimeout: 2 * time.Second})

	res, err := eng.Run(context.Background(), testInput("BTC/USDT", "ETH/USDT"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Final.Decisions) != 2 {
		t.Fatalf("decisions = %+v, want one wait per symbol", res.Final.Decisions)
	}
	for _, d := range res.Final.Decisions {
		if d.Action != ActionWait || d.AllocationPct != 0 {
			t.Errorf("fallback decision = %+v, want wait with zero allocation", d)
		}
	}
	if res.Final.TotalAllocationPct != 0 || res.Final.CashReservePct != 100 {
		t.Errorf("totals = %v / %v, want 0 / 100", res.Final.TotalAllocationPct, res.Final.CashReservePct)
	}
	if res.Final.StrategyRationale == "" {
		t.Error("fallback batch should explain itself")
	}
}

func TestRunRiskManagerGarbageWaitsOnAll(t *testing.T) {
	analyst := &fakeLLM{name: "analyst", fn: analystBySymbol(map[string]string{
		"BTC/USDT": analystReply("BTC/USDT", "neutral"),
	})}
	flat := staticReply("[]")
	risk := &fakeLLM{name: "risk", fn: staticReply("I would rather not commit to anything today.")}

	eng := newTestEngine(map[string]llm.Client{
		RoleAnalyst: analyst, RoleBull: &fakeLLM{name: "bull", fn: flat},
		RoleBear: &fakeLLM{name: "bear", fn: flat}, RoleRiskManager: risk,
	}, Config{MaxRounds: 1, PhaseTimeout: 2 * time.Second})

	res, err := eng.Run(context.Background(), testInput("BTC/USDT"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Final.Decisions) != 1 || res.Final.Decisions[0].Action != ActionWait {
		t.Fatalf("decisions = %+v, want a single wait", res.Final.Decisions)
	}
}

func TestRunNoSymbols(t *testing.T) {
	eng := newTestEngine(map[string]llm.Client{}, Config{})
	_, err := eng.Run(context.Background(), Input{BotID: 1, CycleID: 1})
	if err == nil || !errkind.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestRunResolverErrorSurfaces(t *testing.T) {
	eng := NewEngine(&fakeResolver{err: errors.New("no llm configs")}, nil, Config{}, zerolog.Nop())
	_, err := eng.Run(context.Background(), testInput("BTC/USDT"))
	if err == nil || !errkind.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration", err)
	}
}

func TestNormalizeAllocations(t *testing.T) {
	limits := database.DefaultRiskLimits() // 30% single, 80% total
	batch := BatchDecision{
		Decisions: []PortfolioDecision{
			{Symbol: "BTC/USDT", Action: ActionOpenLong, AllocationPct: 50},
			{Symbol: "ETH/USDT", Action: ActionOpenShort, AllocationPct: 40},
			{Symbol: "SOL/USDT", Action: ActionOpenLong, AllocationPct: 30},
			{Symbol: "XRP/USDT", Action: ActionWait, AllocationPct: 0},
		},
		TotalAllocationPct: 120,
	}
	normalizeAllocations(&batch, limits, zerolog.Nop())

	// Each clamps to 30, the 90 total scales by 80/90.
	want := 30.0 * 80 / 90
	for _, d := range batch.Decisions[:3] {
		if diff := d.AllocationPct - want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s allocation = %v, want %v", d.Symbol, d.AllocationPct, want)
		}
	}
	if batch.Decisions[3].AllocationPct != 0 {
		t.Errorf("wait decision allocation = %v", batch.Decisions[3].AllocationPct)
	}
	if diff := batch.TotalAllocationPct - 80; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("total = %v, want 80", batch.TotalAllocationPct)
	}
	if diff := batch.CashReservePct - 20; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cash = %v, want 20", batch.CashReservePct)
	}
}

func TestNormalizeAllocationsRecomputesTotals(t *testing.T) {
	batch := BatchDecision{
		Decisions: []PortfolioDecision{
			{Symbol: "BTC/USDT", Action: ActionOpenLong, AllocationPct: 25},
			{Symbol: "ETH/USDT", Action: ActionHold, AllocationPct: 0},
		},
		TotalAllocationPct: 55, // model arithmetic is not trusted
		CashReservePct:     45,
	}
	normalizeAllocations(&batch, database.DefaultRiskLimits(), zerolog.Nop())
	if batch.Decisions[0].AllocationPct != 25 {
		t.Errorf("under-cap allocation changed: %v", batch.Decisions[0].AllocationPct)
	}
	if batch.TotalAllocationPct != 25 || batch.CashReservePct != 75 {
		t.Errorf("totals = %v / %v, want 25 / 75", batch.TotalAllocationPct, batch.CashReservePct)
	}
}

func TestSanitizeBatchDropsGarbage(t *testing.T) {
	batch := BatchDecision{Decisions: []PortfolioDecision{
		{Symbol: "", Action: ActionWait},
		{Symbol: "BTC/USDT", Action: "yolo"},
		{Symbol: "ETH/USDT", Action: " HOLD ", Confidence: 140},
	}}
	sanitizeBatch(zerolog.Nop(), &batch)
	if len(batch.Decisions) != 1 {
		t.Fatalf("decisions = %+v, want the hold only", batch.Decisions)
	}
	d := batch.Decisions[0]
	if d.Action != ActionHold || d.Confidence != 100 {
		t.Errorf("sanitized decision = %+v", d)
	}
}

func TestSanitizeSuggestionsDropsGarbage(t *testing.T) {
	kept := sanitizeSuggestions(zerolog.Nop(), RoleBull, []TraderSuggestion{
		{Symbol: "BTC/USDT", Action: "LONG", Confidence: 80, AllocationPct: -5},
		{Symbol: "", Action: SuggestLong},
		{Symbol: "ETH/USDT", Action: "maybe"},
	})
	if len(kept) != 1 {
		t.Fatalf("kept = %+v, want one", kept)
	}
	if kept[0].Action != SuggestLong || kept[0].AllocationPct != 0 {
		t.Errorf("kept = %+v", kept[0])
	}
}

func TestPromptCache(t *testing.T) {
	cache := newPromptCache()
	req := llm.Request{System: "s", Prompt: "p", Schema: "j"}
	if _, ok := cache.get(req); ok {
		t.Fatal("empty cache reported a hit")
	}
	cache.put(req, "answer")
	if text, ok := cache.get(req); !ok || text != "answer" {
		t.Fatalf("get = %q %v", text, ok)
	}
	// Field boundaries matter: system "sp" + prompt "" must not collide
	// with system "s" + prompt "p".
	if _, ok := cache.get(llm.Request{System: "sp", Prompt: "", Schema: "j"}); ok {
		t.Fatal("cache key collided across field boundaries")
	}
}
