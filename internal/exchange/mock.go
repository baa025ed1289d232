package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/stratoforge/quantra/internal/errkind"
)

// MockClient is an in-memory Client for tests. Market data is scripted by
// assigning the exported maps; trading calls are recorded for assertions.
type MockClient struct {
	mu sync.RWMutex

	Markets       MarketCatalogue
	Tickers       map[string]Ticker
	Candles       map[string][]Candle // keyed by symbol|timeframe
	OpenInterests map[string]float64
	FundingRates  map[string]float64
	Account       Balance
	OpenPositions []Position

	// Error injection, applied to the matching call when non-nil.
	TickerErr error
	OrderErr  error
	WatchErr  error

	CreatedOrders   []OrderRequest
	CancelledOrders []string
	LeverageCalls   map[string]int
	Closed          bool

	TickerCalls      int
	WatchTickerCalls int
	WatchTradesCalls int

	tickerStreams map[string]chan Ticker
	tradeStreams  map[string]chan PublicTrade
	nextID        int64
}

// NewMockClient returns a mock with an empty but usable state.
func NewMockClient() *MockClient {
	return &MockClient{
		Markets:       make(MarketCatalogue),
		Tickers:       make(map[string]Ticker),
		Candles:       make(map[string][]Candle),
		OpenInterests: make(map[string]float64),
		FundingRates:  make(map[string]float64),
		Account:       Balance{Asset: "USDT", Total: 10000, Free: 10000},
		LeverageCalls: make(map[string]int),
		tickerStreams: make(map[string]chan Ticker),
		tradeStreams:  make(map[string]chan PublicTrade),
		nextID:        1,
	}
}

// CandleKey builds the map key used by SetCandles / FetchOHLCV.
func CandleKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

// SetTicker scripts the ticker returned for symbol.
func (m *MockClient) SetTicker(symbol string, last float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tickers[symbol] = Ticker{Symbol: symbol, Last: last, At: time.Now().UTC()}
}

// SetCandles scripts the OHLCV series for one symbol and timeframe.
func (m *MockClient) SetCandles(symbol, timeframe string, candles []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Candles[CandleKey(symbol, timeframe)] = candles
}

func (m *MockClient) LoadMarkets(ctx context.Context) (MarketCatalogue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(MarketCatalogue, len(m.Markets))
	for k, v := range m.Markets {
		out[k] = v
	}
	return out, nil
}

func (m *MockClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	candles := m.Candles[CandleKey(symbol, timeframe)]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (m *MockClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TickerCalls++
	if m.TickerErr != nil {
		return nil, m.TickerErr
	}
	t, ok := m.Tickers[symbol]
	if !ok {
		return nil, errkind.Newf(errkind.Validation, "mock: no ticker for %s", symbol)
	}
	return &t, nil
}

func (m *MockClient) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.OpenInterests[symbol], nil
}

func (m *MockClient) FetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.FundingRates[symbol], nil
}

func (m *MockClient) FetchBalance(ctx context.Context) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.Account
	return &b, nil
}

func (m *MockClient) FetchPositions(ctx context.Context) ([]Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, len(m.OpenPositions))
	copy(out, m.OpenPositions)
	return out, nil
}

func (m *MockClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	m.CreatedOrders = append(m.CreatedOrders, req)
	m.nextID++

	price := req.Price
	if price == 0 {
		if t, ok := m.Tickers[req.Symbol]; ok {
			price = t.Last
		}
	}
	return &Order{
		ID:        "mock-" + strconv.FormatInt(m.nextID, 10),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    StatusFilled,
		Amount:    req.Amount,
		Filled:    req.Amount,
		Price:     price,
		AvgPrice:  price,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *MockClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelledOrders = append(m.CancelledOrders, orderID)
	return nil
}

func (m *MockClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LeverageCalls[symbol] = leverage
	return nil
}

func (m *MockClient) WatchTicker(ctx context.Context, symbol string) (<-chan Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WatchTickerCalls++
	if m.WatchErr != nil {
		return nil, m.WatchErr
	}
	ch := make(chan Ticker, streamBuffer)
	m.tickerStreams[symbol] = ch
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if m.tickerStreams[symbol] == ch {
			delete(m.tickerStreams, symbol)
			close(ch)
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MockClient) WatchTrades(ctx context.Context, symbol string) (<-chan PublicTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WatchTradesCalls++
	if m.WatchErr != nil {
		return nil, m.WatchErr
	}
	ch := make(chan PublicTrade, streamBuffer)
	m.tradeStreams[symbol] = ch
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if m.tradeStreams[symbol] == ch {
			delete(m.tradeStreams, symbol)
			close(ch)
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

// PushTicker feeds a tick into an open WatchTicker stream, returning false
// when no stream is active for the symbol.
func (m *MockClient) PushTicker(symbol string, t Ticker) bool {
	m.mu.RLock()
	ch, ok := m.tickerStreams[symbol]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- t:
		return true
	default:
		return false
	}
}

// PushTrade feeds a trade into an open WatchTrades stream.
func (m *MockClient) PushTrade(symbol string, tr PublicTrade) bool {
	m.mu.RLock()
	ch, ok := m.tradeStreams[symbol]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- tr:
		return true
	default:
		return false
	}
}

// DropStreams closes a symbol's open streams in place, simulating a dead
// connection while leaving the caller's context alive.
func (m *MockClient) DropStreams(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.tickerStreams[symbol]; ok {
		delete(m.tickerStreams, symbol)
		close(ch)
	}
	if ch, ok := m.tradeStreams[symbol]; ok {
		delete(m.tradeStreams, symbol)
		close(ch)
	}
}

// HasStream reports whether a live ticker stream exists for symbol.
func (m *MockClient) HasStream(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tickerStreams[symbol]
	return ok
}

// SetWatchErr injects a dial error for subsequent Watch calls.
func (m *MockClient) SetWatchErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WatchErr = err
}

// Counters returns (TickerCalls, WatchTickerCalls, WatchTradesCalls) safely.
func (m *MockClient) Counters() (int, int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TickerCalls, m.WatchTickerCalls, m.WatchTradesCalls
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
