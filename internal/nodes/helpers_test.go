package nodes

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/cache"
	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/events"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/llm"
	"github.com/stratoforge/quantra/internal/market"
	"github.com/stratoforge/quantra/internal/pipeline"
	"github.com/stratoforge/quantra/internal/risk"
)

// memTrades is an in-memory pipeline.TradeStore mirroring the repository's
// one-open-row-per-symbol and dedupe semantics.
type memTrades struct {
	mu     sync.Mutex
	nextID int64
	rows   []*database.Trade
	err    error
}

func (s *memTrades) OpenTrade(ctx context.Context, t *database.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, r := range s.rows {
		if r.BotID == t.BotID && r.Symbol == t.Symbol && r.Status == database.TradeOpen {
			return database.ErrOpenTradeExists
		}
	}
	s.nextID++
	t.ID = s.nextID
	t.Status = database.TradeOpen
	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now().UTC()
	}
	cp := *t
	s.rows = append(s.rows, &cp)
	return nil
}

func (s *memTrades) CloseTrade(ctx context.Context, id, closeCycleID int64, exitPrice, pnl, pnlPercent, fee float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, r := range s.rows {
		if r.ID == id && r.Status == database.TradeOpen {
			now := time.Now().UTC()
			r.Status = database.TradeClosed
			r.CloseCycleID = &closeCycleID
			r.ExitPrice = &exitPrice
			r.PnL = &pnl
			r.PnLPercent = &pnlPercent
			r.Fee += fee
			r.ClosedAt = &now
			return nil
		}
	}
	return database.ErrNotFound
}

func (s *memTrades) UpdateTradeStops(ctx context.Context, id int64, stopLoss, takeProfit *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, r := range s.rows {
		if r.ID == id && r.Status == database.TradeOpen {
			if stopLoss != nil {
				v := *stopLoss
				r.StopLoss = &v
			}
			if takeProfit != nil {
				v := *takeProfit
				r.TakeProfit = &v
			}
			return nil
		}
	}
	return database.ErrNotFound
}

func (s *memTrades) GetOpenTrade(ctx context.Context, botID int64, symbol string) (*database.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, r := range s.rows {
		if r.BotID == botID && r.Symbol == symbol && r.Status == database.TradeOpen {
			cp := *r
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memTrades) ListOpenTrades(ctx context.Context, botID int64) ([]*database.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*database.Trade
	for _, r := range s.rows {
		if r.BotID == botID && r.Status == database.TradeOpen {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memTrades) RecentClosed(ctx context.Context, botID int64, limit int) ([]*database.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*database.Trade
	for _, r := range s.rows {
		if r.BotID == botID && r.Status == database.TradeClosed {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClosedAt.After(*out[j].ClosedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memTrades) WasOpenedInCycle(ctx context.Context, botID, cycleID int64, symbol, side string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	for _, r := range s.rows {
		if r.BotID == botID && r.CycleID == cycleID && r.Symbol == symbol && r.Side == side {
			return true, nil
		}
	}
	return false, nil
}

func (s *memTrades) WasClosedInCycle(ctx context.Context, botID, cycleID int64, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	for _, r := range s.rows {
		if r.BotID == botID && r.Symbol == symbol && r.Status == database.TradeClosed &&
			r.CloseCycleID != nil && *r.CloseCycleID == cycleID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memTrades) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.Status == database.TradeOpen {
			n++
		}
	}
	return n
}

// mapSettings is a pipeline.SettingSource over a plain map.
type mapSettings map[string]any

func (m mapSettings) GetString(ctx context.Context, key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

func (m mapSettings) GetInt(ctx context.Context, key string, def int) int {
	if v, ok := m[key].(int); ok {
		return v
	}
	return def
}

func (m mapSettings) GetFloat(ctx context.Context, key string, def float64) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return def
}

func (m mapSettings) GetBool(ctx context.Context, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// scriptedLLM returns a fixed reply for every request.
type scriptedLLM struct {
	name  string
	reply string
	err   error
}

func (s *scriptedLLM) Name() string { return s.name }

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.reply, Model: s.name}, nil
}

// roleResolver routes each debate role to its own scripted client.
type roleResolver map[string]llm.Client

func (r roleResolver) ForRole(ctx context.Context, bot *database.Bot, role string) (llm.Client, error) {
	client, ok := r[role]
	if !ok {
		return nil, fmt.Errorf("no client for role %s", role)
	}
	return client, nil
}

func testBot() *database.Bot {
	return &database.Bot{
		ID:                   7,
		Name:                 "momentum-7",
		TradingMode:          database.ModePaper,
		CycleIntervalSeconds: 180,
		MaxConcurrentSymbols: 2,
		Symbols:              []string{"BTC/USDT", "ETH/USDT"},
		Timeframes:           []string{"3m"},
		QuantWeights:         database.DefaultQuantWeights(),
		QuantThreshold:       50,
		Risk:                 database.DefaultRiskLimits(),
		InitialBalance:       10000,
	}
}

type fixture struct {
	bot    *database.Bot
	client *exchange.MockClient
	cache  *cache.Cache
	trades *memTrades
	bus    *events.EventBus
	deps   *pipeline.Deps
}

func newFixture(bot *database.Bot) *fixture {
	client := exchange.NewMockClient()
	c := cache.New(time.Minute)
	market.ConfigureCache(context.Background(), c, nil)
	provider := market.NewPollProvider(client, c)
	trades := &memTrades{}
	bus := events.NewEventBus()
	deps := &pipeline.Deps{
		Bot:      bot,
		Client:   client,
		Markets:  provider,
		Coins:    market.NewCoinSelector(provider, c),
		Cache:    c,
		Trades:   trades,
		Settings: mapSettings{},
		Trailing: risk.NewTrailingManager(bot.Risk, zerolog.Nop()),
		Bus:      bus,
		Log:      zerolog.Nop(),
	}
	return &fixture{bot: bot, client: client, cache: c, trades: trades, bus: bus, deps: deps}
}

// trendingCandles builds a steadily rising series so the default indicators
// read an uptrend with healthy volume.
func trendingCandles(n int, start float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	base := time.Unix(1700000000, 0).UTC()
	price := start
	for i := range candles {
		next := price * 1.004
		candles[i] = exchange.Candle{
			OpenTime: base.Add(time.Duration(i) * 3 * time.Minute),
			Open:     price,
			High:     next * 1.001,
			Low:      price * 0.999,
			Close:    next,
			Volume:   1000 + 20*float64(i),
		}
		price = next
	}
	return candles
}

// flatCandles builds a sideways series with level volume.
func flatCandles(n int, price float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	base := time.Unix(1700000000, 0).UTC()
	for i := range candles {
		wiggle := 1.0
		if i%2 == 0 {
			wiggle = -1.0
		}
		candles[i] = exchange.Candle{
			OpenTime: base.Add(time.Duration(i) * 3 * time.Minute),
			Open:     price,
			High:     price + 2,
			Low:      price - 2,
			Close:    price + wiggle,
			Volume:   1000,
		}
	}
	return candles
}
