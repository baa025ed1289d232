// Package market is the ingestion layer between the exchange adapters and
// the pipeline. The poll provider serves REST reads through the cache, the
// stream manager keeps cache entries warm from WebSocket subscriptions, and
// the coin selector ranks candidate symbols by volume and open interest.
package market

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/cache"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/logging"
	"github.com/stratoforge/quantra/internal/ratelimit"
)

// Cache namespaces used by the ingestion layer.
const (
	NSTickers       = "tickers"
	NSOHLCV         = "ohlcv"
	NSOrderbook     = "orderbook"
	NSTrades        = "trades"
	NSMarkets       = "markets"
	NSOpenInterests = "open_interests"
	NSFundingRates  = "funding_rates"
	NSCoinSelection = "coin_selection"
	NSBacktestOHLCV = "backtest_ohlcv"
)

// DefaultTTLSeconds holds the namespace TTLs applied when the config store
// has no override.
var DefaultTTLSeconds = map[string]int{
	NSTickers:       10,
	NSOHLCV:         600,
	NSOHLCV + "_3m": 300,
	NSOHLCV + "_4h": 3600,
	NSOrderbook:     60,
	NSTrades:        60,
	NSMarkets:       3600,
	NSOpenInterests: 600,
	NSFundingRates:  600,
	NSCoinSelection: 600,
	NSBacktestOHLCV: 604800,
}

// cacheTTLPrefix matches the system config keys that override namespace
// TTLs, e.g. "cache.ttl.tickers".
const cacheTTLPrefix = "cache.ttl."

// TTLSource yields per-namespace TTL overrides as full config keys.
// *database.SystemConfigStore satisfies this via GetByPrefix.
type TTLSource interface {
	GetByPrefix(ctx context.Context, prefix string) (map[string]string, error)
}

// ConfigureCache applies namespace TTLs (defaults first, then store
// overrides) and marks the backtest namespace immutable.
func ConfigureCache(ctx context.Context, c *cache.Cache, src TTLSource) {
	for ns, secs := range DefaultTTLSeconds {
		c.SetNamespaceTTL(ns, time.Duration(secs)*time.Second)
	}
	c.MarkImmutable(NSBacktestOHLCV)

	if src == nil {
		return
	}
	overrides, err := src.GetByPrefix(ctx, cacheTTLPrefix)
	if err != nil {
		log := logging.Component("market")
		log.Warn().Err(err).Msg("cache ttl overrides unavailable")
		return
	}
	for key, raw := range overrides {
		ns := strings.TrimPrefix(key, cacheTTLPrefix)
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 || ns == "" {
			continue
		}
		c.SetNamespaceTTL(ns, time.Duration(secs)*time.Second)
	}
}

// ohlcvNamespace picks the timeframe-specific namespace when one is known,
// otherwise the generic one.
func ohlcvNamespace(timeframe string) string {
	ns := NSOHLCV + "_" + timeframe
	if _, ok := DefaultTTLSeconds[ns]; ok {
		return ns
	}
	return NSOHLCV
}

// PollProvider serves market reads REST-first-miss: every read checks the
// cache, fetches through the exchange client with retry on miss, and writes
// the result back. Account reads (balance, positions) are never cached.
type PollProvider struct {
	client exchange.Client
	cache  *cache.Cache
	retry  ratelimit.RetryConfig
	log    zerolog.Logger
}

// NewPollProvider creates a provider over one bot's exchange client.
func NewPollProvider(client exchange.Client, c *cache.Cache) *PollProvider {
	return &PollProvider{
		client: client,
		cache:  c,
		retry:  ratelimit.RetryConfig{MaxAttempts: 3},
		log:    logging.Component("market"),
	}
}

// Ticker returns the cached ticker or fetches it.
func (p *PollProvider) Ticker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	if v, ok := p.cache.Get(NSTickers, symbol); ok {
		if t, ok := v.(exchange.Ticker); ok {
			return &t, nil
		}
	}
	var ticker *exchange.Ticker
	err := ratelimit.Retry(ctx, p.retry, func() error {
		var err error
		ticker, err = p.client.FetchTicker(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.cache.Set(NSTickers, symbol, *ticker)
	return ticker, nil
}

// OHLCV returns candles for symbol/timeframe, cache-first.
func (p *PollProvider) OHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	ns := ohlcvNamespace(timeframe)
	key := symbol + "|" + timeframe + "|" + strconv.Itoa(limit)
	if v, ok := p.cache.Get(ns, key); ok {
		if candles, ok := v.([]exchange.Candle); ok {
			return candles, nil
		}
	}
	var candles []exchange.Candle
	err := ratelimit.Retry(ctx, p.retry, func() error {
		var err error
		candles, err = p.client.FetchOHLCV(ctx, symbol, timeframe, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.cache.Set(ns, key, candles)
	return candles, nil
}

// OpenInterest returns the symbol's open interest, cache-first.
func (p *PollProvider) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	if v, ok := p.cache.Get(NSOpenInterests, symbol); ok {
		if oi, ok := v.(float64); ok {
			return oi, nil
		}
	}
	var oi float64
	err := ratelimit.Retry(ctx, p.retry, func() error {
		var err error
		oi, err = p.client.FetchOpenInterest(ctx, symbol)
		return err
	})
	if err != nil {
		return 0, err
	}
	p.cache.Set(NSOpenInterests, symbol, oi)
	return oi, nil
}

// FundingRate returns the symbol's current funding rate, cache-first.
func (p *PollProvider) FundingRate(ctx context.Context, symbol string) (float64, error) {
	if v, ok := p.cache.Get(NSFundingRates, symbol); ok {
		if rate, ok := v.(float64); ok {
			return rate, nil
		}
	}
	var rate float64
	err := ratelimit.Retry(ctx, p.retry, func() error {
		var err error
		rate, err = p.client.FetchFundingRate(ctx, symbol)
		return err
	})
	if err != nil {
		return 0, err
	}
	p.cache.Set(NSFundingRates, symbol, rate)
	return rate, nil
}

// Markets returns the venue catalogue, cache-first.
func (p *PollProvider) Markets(ctx context.Context) (exchange.MarketCatalogue, error) {
	if v, ok := p.cache.Get(NSMarkets, "catalogue"); ok {
		if mc, ok := v.(exchange.MarketCatalogue); ok {
			return mc, nil
		}
	}
	var catalogue exchange.MarketCatalogue
	err := ratelimit.Retry(ctx, p.retry, func() error {
		var err error
		catalogue, err = p.client.LoadMarkets(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.cache.Set(NSMarkets, "catalogue", catalogue)
	return catalogue, nil
}

// Balance proxies to the exchange. Account data is never served stale.
func (p *PollProvider) Balance(ctx context.Context) (*exchange.Balance, error) {
	var bal *exchange.Balance
	err := ratelimit.Retry(ctx, p.retry, func() error {
		var err error
		bal, err = p.client.FetchBalance(ctx)
		return err
	})
	return bal, err
}

// Positions proxies to the exchange. Account data is never served stale.
func (p *PollProvider) Positions(ctx context.Context) ([]exchange.Position, error) {
	var positions []exchange.Position
	err := ratelimit.Retry(ctx, p.retry, func() error {
		var err error
		positions, err = p.client.FetchPositions(ctx)
		return err
	})
	return positions, err
}

// RecentTrades returns the stream-maintained trade buffer, empty when no
// stream has populated it yet.
func (p *PollProvider) RecentTrades(symbol string) []exchange.PublicTrade {
	if v, ok := p.cache.Get(NSTrades, symbol); ok {
		if trades, ok := v.([]exchange.PublicTrade); ok {
			return trades
		}
	}
	return nil
}
