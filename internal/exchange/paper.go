package exchange

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/logging"
)

// PaperConfig tunes the simulated fill layer. Percent values, so 0.05 means
// five basis points.
type PaperConfig struct {
	InitialBalance float64
	SlippagePct    float64
	TakerFeePct    float64
}

// PaperClient decorates a live adapter: market data passes through, while
// balance, positions and orders are simulated locally. Market fills apply
// slippage against the venue's last price plus a taker fee.
type PaperClient struct {
	live Client
	log  zerolog.Logger

	slippage decimal.Decimal // fraction
	takerFee decimal.Decimal // fraction

	mu        sync.RWMutex
	cash      decimal.Decimal // wallet balance including locked margin
	margin    decimal.Decimal // locked by open positions
	positions map[string]*paperPosition
	leverage  map[string]int
	pending   map[string]*Order // resting stop / take-profit orders
	nextID    int64
}

type paperPosition struct {
	side      PositionSide
	contracts decimal.Decimal
	entry     decimal.Decimal
	margin    decimal.Decimal
	leverage  int
	openedAt  time.Time
}

// NewPaper wraps a live adapter with simulated execution.
func NewPaper(live Client, cfg PaperConfig) *PaperClient {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.TakerFeePct <= 0 {
		cfg.TakerFeePct = DefaultTakerFeePct
	}
	hundred := decimal.NewFromInt(100)
	return &PaperClient{
		live:      live,
		log:       logging.Component("exchange").With().Str("mode", "paper").Logger(),
		slippage:  decimal.NewFromFloat(cfg.SlippagePct).Div(hundred),
		takerFee:  decimal.NewFromFloat(cfg.TakerFeePct).Div(hundred),
		cash:      decimal.NewFromFloat(cfg.InitialBalance),
		positions: make(map[string]*paperPosition),
		leverage:  make(map[string]int),
		pending:   make(map[string]*Order),
		nextID:    1000,
	}
}

// ==================== PASS-THROUGH MARKET DATA ====================

func (p *PaperClient) LoadMarkets(ctx context.Context) (MarketCatalogue, error) {
	return p.live.LoadMarkets(ctx)
}

func (p *PaperClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return p.live.FetchOHLCV(ctx, symbol, timeframe, limit)
}

func (p *PaperClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return p.live.FetchTicker(ctx, symbol)
}

func (p *PaperClient) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	return p.live.FetchOpenInterest(ctx, symbol)
}

func (p *PaperClient) FetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	return p.live.FetchFundingRate(ctx, symbol)
}

func (p *PaperClient) WatchTicker(ctx context.Context, symbol string) (<-chan Ticker, error) {
	return p.live.WatchTicker(ctx, symbol)
}

func (p *PaperClient) WatchTrades(ctx context.Context, symbol string) (<-chan PublicTrade, error) {
	return p.live.WatchTrades(ctx, symbol)
}

// ==================== SIMULATED ACCOUNT ====================

func (p *PaperClient) FetchBalance(ctx context.Context) (*Balance, error) {
	p.mu.RLock()
	cash := p.cash
	margin := p.margin
	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	p.mu.RUnlock()

	unrealized := decimal.Zero
	for _, symbol := range symbols {
		pnl, err := p.unrealizedFor(ctx, symbol)
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("skipping unrealized pnl, no price")
			continue
		}
		unrealized = unrealized.Add(pnl)
	}

	total, _ := cash.Float64()
	free, _ := cash.Sub(margin).Float64()
	used, _ := margin.Float64()
	upnl, _ := unrealized.Float64()
	return &Balance{Asset: "USDT", Total: total, Free: free, Used: used, UnrealizedPnL: upnl}, nil
}

func (p *PaperClient) unrealizedFor(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ticker, err := p.live.FetchTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	mark := decimal.NewFromFloat(ticker.Last)

	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return decimal.Zero, nil
	}
	return pos.pnlAt(mark), nil
}

// pnlAt computes unrealized PnL at the given mark price.
func (pp *paperPosition) pnlAt(mark decimal.Decimal) decimal.Decimal {
	diff := mark.Sub(pp.entry)
	if pp.side == PositionShort {
		diff = pp.entry.Sub(mark)
	}
	return diff.Mul(pp.contracts)
}

func (p *PaperClient) FetchPositions(ctx context.Context) ([]Position, error) {
	p.mu.RLock()
	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	p.mu.RUnlock()

	positions := make([]Position, 0, len(symbols))
	for _, symbol := range symbols {
		ticker, err := p.live.FetchTicker(ctx, symbol)
		mark := decimal.Zero
		if err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("position mark price unavailable")
		} else {
			mark = decimal.NewFromFloat(ticker.Last)
		}

		p.mu.RLock()
		pos, ok := p.positions[symbol]
		if !ok {
			p.mu.RUnlock()
			continue
		}
		contracts, _ := pos.contracts.Float64()
		entry, _ := pos.entry.Float64()
		markF, _ := mark.Float64()
		pnl, _ := pos.pnlAt(mark).Float64()
		notional, _ := pos.contracts.Mul(mark).Float64()
		out := Position{
			Symbol:        symbol,
			Side:          pos.side,
			Contracts:     contracts,
			EntryPrice:    entry,
			MarkPrice:     markF,
			Leverage:      pos.leverage,
			UnrealizedPnL: pnl,
			Notional:      notional,
			UpdatedAt:     time.Now().UTC(),
		}
		if mark.IsZero() {
			out.UnrealizedPnL = 0
			out.Notional = 0
		}
		p.mu.RUnlock()
		positions = append(positions, out)
	}
	return positions, nil
}

// ==================== SIMULATED TRADING ====================

func (p *PaperClient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := requireSymbol(req.Symbol); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, errkind.Newf(errkind.Validation, "order amount must be positive, got %v", req.Amount)
	}

	// Stop and take-profit orders rest until cancelled; position exits are
	// driven by the risk monitor issuing market orders.
	if req.Type == OrderStopMarket || req.Type == OrderTakeProfitMarket {
		return p.restOrder(req), nil
	}

	fill, err := p.fillPrice(ctx, req)
	if err != nil {
		return nil, err
	}
	amount := decimal.NewFromFloat(req.Amount)

	p.mu.Lock()
	defer p.mu.Unlock()

	order := &Order{
		ID:        p.nextOrderID(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    StatusFilled,
		Amount:    req.Amount,
		CreatedAt: time.Now().UTC(),
	}
	order.AvgPrice, _ = fill.Float64()
	order.Price = order.AvgPrice

	remaining := amount
	executed := decimal.Zero
	pos := p.positions[req.Symbol]

	// An order against an existing opposite position reduces it first.
	if pos != nil && pos.side != directionOf(req.Side) {
		closed := decimal.Min(remaining, pos.contracts)
		realized := pos.pnlAt(fill).Mul(closed).Div(pos.contracts)
		released := pos.margin.Mul(closed).Div(pos.contracts)

		pos.contracts = pos.contracts.Sub(closed)
		pos.margin = pos.margin.Sub(released)
		p.margin = p.margin.Sub(released)
		p.cash = p.cash.Add(realized)
		if pos.contracts.IsZero() {
			delete(p.positions, req.Symbol)
		}
		remaining = remaining.Sub(closed)
		executed = executed.Add(closed)
	}

	// Reduce-only caps at the position size instead of flipping.
	if req.ReduceOnly {
		remaining = decimal.Zero
	}

	if remaining.IsPositive() {
		lev := p.leverage[req.Symbol]
		if lev < 1 {
			lev = 1
		}
		needed := fill.Mul(remaining).Div(decimal.NewFromInt(int64(lev)))
		openFee := fill.Mul(remaining).Mul(p.takerFee)
		free := p.cash.Sub(p.margin)
		if needed.Add(openFee).GreaterThan(free) {
			return nil, errkind.Newf(errkind.Validation,
				"insufficient paper balance: need %s margin + %s fee, free %s",
				needed.StringFixed(2), openFee.StringFixed(2), free.StringFixed(2))
		}

		if pos = p.positions[req.Symbol]; pos != nil {
			// Extending the same direction, weight the entry price.
			total := pos.contracts.Add(remaining)
			pos.entry = pos.entry.Mul(pos.contracts).Add(fill.Mul(remaining)).Div(total)
			pos.contracts = total
			pos.margin = pos.margin.Add(needed)
		} else {
			p.positions[req.Symbol] = &paperPosition{
				side:      directionOf(req.Side),
				contracts: remaining,
				entry:     fill,
				margin:    needed,
				leverage:  lev,
				openedAt:  time.Now().UTC(),
			}
		}
		p.margin = p.margin.Add(needed)
		executed = executed.Add(remaining)
	}

	fee := fill.Mul(executed).Mul(p.takerFee)
	p.cash = p.cash.Sub(fee)
	order.Filled, _ = executed.Float64()
	order.Fee, _ = fee.Float64()
	p.log.Debug().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("amount", req.Amount).
		Float64("fill", order.AvgPrice).
		Float64("fee", order.Fee).
		Msg("paper fill")
	return order, nil
}

// fillPrice resolves the simulated execution price. Market orders take the
// venue's last price with slippage against the taker; explicit limit prices
// fill as given.
func (p *PaperClient) fillPrice(ctx context.Context, req OrderRequest) (decimal.Decimal, error) {
	if req.Type == OrderLimit && req.Price > 0 {
		return decimal.NewFromFloat(req.Price), nil
	}
	ticker, err := p.live.FetchTicker(ctx, req.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if ticker.Last <= 0 {
		return decimal.Zero, errkind.Newf(errkind.Transient, "no price for %s", req.Symbol)
	}
	price := decimal.NewFromFloat(ticker.Last)
	adj := price.Mul(p.slippage)
	if req.Side == SideBuy {
		return price.Add(adj), nil
	}
	return price.Sub(adj), nil
}

func directionOf(side Side) PositionSide {
	if side == SideBuy {
		return PositionLong
	}
	return PositionShort
}

func (p *PaperClient) restOrder(req OrderRequest) *Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	order := &Order{
		ID:        p.nextOrderID(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    StatusNew,
		Amount:    req.Amount,
		Price:     req.StopPrice,
		CreatedAt: time.Now().UTC(),
	}
	p.pending[order.ID] = order
	return order
}

func (p *PaperClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[orderID]; !ok {
		return errkind.Newf(errkind.Validation, "unknown paper order %s", orderID)
	}
	delete(p.pending, orderID)
	return nil
}

func (p *PaperClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := requireSymbol(symbol); err != nil {
		return err
	}
	if leverage < 1 || leverage > 125 {
		return errkind.Newf(errkind.Validation, "leverage %d out of range 1..125", leverage)
	}
	p.mu.Lock()
	p.leverage[symbol] = leverage
	p.mu.Unlock()
	return nil
}

func (p *PaperClient) nextOrderID() string {
	p.nextID++
	return "paper-" + strconv.FormatInt(p.nextID, 10)
}

func (p *PaperClient) Close() error {
	return p.live.Close()
}
