package exchange

import (
	"fmt"
	"time"
)

// ==================== ENUMS ====================

// Side is the order direction sent to a venue.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// OrderType represents the supported order types.
type OrderType string

const (
	OrderMarket           OrderType = "market"
	OrderLimit            OrderType = "limit"
	OrderStopMarket       OrderType = "stop_market"
	OrderTakeProfitMarket OrderType = "take_profit_market"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// ==================== TIMEFRAMES ====================

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// TimeframeDuration maps a candle timeframe string to its duration.
func TimeframeDuration(tf string) (time.Duration, error) {
	d, ok := timeframes[tf]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	return d, nil
}

// ==================== MARKET DATA ====================

// Market describes one tradeable instrument and its order constraints.
type Market struct {
	Symbol      string  `json:"symbol"` // unified form, e.g. "BTC/USDT"
	Base        string  `json:"base"`
	Quote       string  `json:"quote"`
	Active      bool    `json:"active"`
	MinQty      float64 `json:"min_qty"`
	QtyStep     float64 `json:"qty_step"`
	PriceStep   float64 `json:"price_step"`
	MinNotional float64 `json:"min_notional"`
	MaxLeverage int     `json:"max_leverage"`
}

// MarketCatalogue indexes markets by unified symbol.
type MarketCatalogue map[string]Market

// Has reports whether the catalogue lists an active market for symbol.
func (mc MarketCatalogue) Has(symbol string) bool {
	m, ok := mc[symbol]
	return ok && m.Active
}

// Candle is one OHLCV bar. OpenTime is UTC.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Ticker is a 24h rolling snapshot for one symbol.
type Ticker struct {
	Symbol      string    `json:"symbol"`
	Last        float64   `json:"last"`
	High24h     float64   `json:"high_24h"`
	Low24h      float64   `json:"low_24h"`
	QuoteVolume float64   `json:"quote_volume"`
	ChangePct   float64   `json:"change_pct"`
	At          time.Time `json:"at"`
}

// PublicTrade is one fill from the public trade stream.
type PublicTrade struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Amount float64   `json:"amount"`
	Side   Side      `json:"side"`
	At     time.Time `json:"at"`
}

// ==================== ACCOUNT ====================

// Balance is the quote-asset account snapshot.
type Balance struct {
	Asset         string  `json:"asset"`
	Total         float64 `json:"total"`
	Free          float64 `json:"free"`
	Used          float64 `json:"used"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Position is one open futures position.
type Position struct {
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Contracts        float64      `json:"contracts"`
	EntryPrice       float64      `json:"entry_price"`
	MarkPrice        float64      `json:"mark_price"`
	LiquidationPrice float64      `json:"liquidation_price"`
	Leverage         int          `json:"leverage"`
	UnrealizedPnL    float64      `json:"unrealized_pnl"`
	Notional         float64      `json:"notional"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// PnLPercent returns unrealized PnL relative to position margin.
func (p Position) PnLPercent() float64 {
	if p.Notional == 0 || p.Leverage == 0 {
		return 0
	}
	margin := p.Notional / float64(p.Leverage)
	if margin == 0 {
		return 0
	}
	return p.UnrealizedPnL / margin * 100
}

// ==================== ORDERS ====================

// OrderRequest carries everything needed to place one order.
type OrderRequest struct {
	Symbol     string            `json:"symbol"`
	Side       Side              `json:"side"`
	Type       OrderType         `json:"type"`
	Amount     float64           `json:"amount"`
	Price      float64           `json:"price,omitempty"`      // limit orders
	StopPrice  float64           `json:"stop_price,omitempty"` // stop / take-profit orders
	ReduceOnly bool              `json:"reduce_only,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// Order is the venue's view of a placed order.
type Order struct {
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Side      Side        `json:"side"`
	Type      OrderType   `json:"type"`
	Status    OrderStatus `json:"status"`
	Amount    float64     `json:"amount"`
	Filled    float64     `json:"filled"`
	Price     float64     `json:"price"`
	AvgPrice  float64     `json:"avg_price"`
	Fee       float64     `json:"fee"`
	CreatedAt time.Time   `json:"created_at"`
}
