// Package exchange provides the venue-neutral adapter the trading core
// consumes. The REST side goes through resty with per-venue rate limiting,
// streams go through gorilla/websocket. Paper trading composes the live
// adapter with a simulated fill layer so market data stays real while
// balance, positions and orders are tracked locally.
package exchange

import (
	"context"
	"net/http"
	"strings"

	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/ratelimit"
)

// Client is the abstract exchange surface the core consumes. All blocking
// calls honor ctx; Watch* channels close when the stream dies or ctx ends.
type Client interface {
	LoadMarkets(ctx context.Context) (MarketCatalogue, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOpenInterest(ctx context.Context, symbol string) (float64, error)
	FetchFundingRate(ctx context.Context, symbol string) (float64, error)
	FetchBalance(ctx context.Context) (*Balance, error)
	FetchPositions(ctx context.Context) ([]Position, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	WatchTicker(ctx context.Context, symbol string) (<-chan Ticker, error)
	WatchTrades(ctx context.Context, symbol string) (<-chan PublicTrade, error)
	Close() error
}

// Options configures one venue connection. Built from an exchanges row.
type Options struct {
	Venue       string
	APIKey      string
	APISecret   string
	BaseURL     string // override, empty uses the venue default
	WSURL       string // override, empty uses the venue default
	Testnet     bool
	SlippagePct float64 // paper fill slippage, percent
	TakerFeePct float64 // paper fill taker fee, percent
	Limiter     *ratelimit.Limiter
}

// New builds a live adapter for the venue. Paper mode is composed on top by
// the caller via NewPaper.
func New(opts Options) (Client, error) {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(opts.Venue, 0, 0)
	}
	switch strings.ToLower(opts.Venue) {
	case "binance":
		return NewBinance(opts), nil
	default:
		return nil, errkind.Newf(errkind.Configuration, "unsupported exchange venue %q", opts.Venue)
	}
}

// classifyStatus maps an HTTP status to an error kind. Auth problems are
// configuration (bad keys do not fix themselves), malformed requests are
// validation, throttling and server trouble are transient.
func classifyStatus(status int) errkind.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errkind.Configuration
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return errkind.Validation
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status == 418 || status >= 500:
		return errkind.Transient
	default:
		return errkind.Unknown
	}
}

// unifiedSymbol rebuilds "BTCUSDT" into "BTC/USDT" by matching a known
// quote asset suffix.
func unifiedSymbol(venueSymbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if strings.HasSuffix(venueSymbol, quote) && len(venueSymbol) > len(quote) {
			return venueSymbol[:len(venueSymbol)-len(quote)] + "/" + quote
		}
	}
	return venueSymbol
}

// venueSymbol flattens "BTC/USDT" into the exchange-native "BTCUSDT".
func venueSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

// requireSymbol validates a unified symbol before it reaches the wire.
func requireSymbol(symbol string) error {
	if symbol == "" || !strings.Contains(symbol, "/") {
		return errkind.Newf(errkind.Validation, "malformed symbol %q, want BASE/QUOTE", symbol)
	}
	return nil
}
