package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/logging"
	"github.com/stratoforge/quantra/internal/ratelimit"
)

const (
	binanceFuturesURL        = "https://fapi.binance.com"
	binanceFuturesTestnetURL = "https://testnet.binancefuture.com"
	binanceStreamURL         = "wss://fstream.binance.com/ws"
	binanceStreamTestnetURL  = "wss://stream.binancefuture.com/ws"

	streamBuffer      = 64
	streamReadTimeout = 3 * time.Minute
)

// Binance is the USDT-margined futures adapter.
type Binance struct {
	opts    Options
	http    *resty.Client
	limiter *ratelimit.Limiter
	log     zerolog.Logger
	wsURL   string
}

// NewBinance creates a live Binance futures client.
func NewBinance(opts Options) *Binance {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = binanceFuturesURL
		if opts.Testnet {
			baseURL = binanceFuturesTestnetURL
		}
	}
	wsURL := opts.WSURL
	if wsURL == "" {
		wsURL = binanceStreamURL
		if opts.Testnet {
			wsURL = binanceStreamTestnetURL
		}
	}

	// Whitespace in keys breaks HMAC signatures.
	opts.APIKey = strings.TrimSpace(opts.APIKey)
	opts.APISecret = strings.TrimSpace(opts.APISecret)

	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New("binance", 0, 0)
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-MBX-APIKEY", opts.APIKey)

	return &Binance{
		opts:    opts,
		http:    httpClient,
		limiter: opts.Limiter,
		log:     logging.Component("exchange").With().Str("venue", "binance").Logger(),
		wsURL:   wsURL,
	}
}

// ==================== TRANSPORT ====================

func (c *Binance) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.opts.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery refreshes the timestamp and appends the HMAC signature.
func (c *Binance) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "10000")
	query := params.Encode()
	return query + "&signature=" + c.sign(query)
}

func (c *Binance) call(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer c.limiter.Release()

	req := c.http.R().SetContext(ctx)
	if out != nil {
		req.SetResult(out)
	}
	if params == nil {
		params = url.Values{}
	}
	if signed {
		req.SetQueryString(c.signedQuery(params))
	} else if len(params) > 0 {
		req.SetQueryString(params.Encode())
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return errkind.Newf(errkind.Fatal, "unsupported method %s", method)
	}
	return c.check(resp, err, path)
}

func (c *Binance) check(resp *resty.Response, err error, path string) error {
	if err != nil {
		return errkind.Wrapf(errkind.Transient, err, "binance %s", path)
	}
	if resp.IsSuccess() {
		return nil
	}

	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(resp.Body(), &apiErr)

	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status == 418 {
		c.limiter.Penalize(retryAfter(resp))
	}
	return errkind.Newf(classifyStatus(status), "binance %s: status %d code %d: %s",
		path, status, apiErr.Code, apiErr.Msg)
}

// retryAfter reads the venue's cooldown hint, defaulting to 30s.
func retryAfter(resp *resty.Response) time.Duration {
	if s := resp.Header().Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

// ==================== MARKET DATA ====================

func (c *Binance) LoadMarkets(ctx context.Context) (MarketCatalogue, error) {
	var info struct {
		Symbols []struct {
			Symbol     string              `json:"symbol"`
			Status     string              `json:"status"`
			BaseAsset  string              `json:"baseAsset"`
			QuoteAsset string              `json:"quoteAsset"`
			Filters    []map[string]string `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return nil, err
	}

	catalogue := make(MarketCatalogue, len(info.Symbols))
	for _, s := range info.Symbols {
		m := Market{
			Symbol:      s.BaseAsset + "/" + s.QuoteAsset,
			Base:        s.BaseAsset,
			Quote:       s.QuoteAsset,
			Active:      s.Status == "TRADING",
			MaxLeverage: 125,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				m.MinQty = parseFloat(f["minQty"])
				m.QtyStep = parseFloat(f["stepSize"])
			case "PRICE_FILTER":
				m.PriceStep = parseFloat(f["tickSize"])
			case "MIN_NOTIONAL":
				m.MinNotional = parseFloat(f["notional"])
			}
		}
		catalogue[m.Symbol] = m
	}
	return catalogue, nil
}

func (c *Binance) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if err := requireSymbol(symbol); err != nil {
		return nil, err
	}
	if _, err := TimeframeDuration(timeframe); err != nil {
		return nil, errkind.Wrap(errkind.Validation, err)
	}
	if limit <= 0 {
		limit = 100
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	// Klines arrive as positional arrays, numbers mostly string-encoded.
	var raw [][]interface{}
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/klines", params, false, &raw); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		candles = append(candles, Candle{
			OpenTime: time.UnixMilli(int64(anyFloat(k[0]))).UTC(),
			Open:     anyFloat(k[1]),
			High:     anyFloat(k[2]),
			Low:      anyFloat(k[3]),
			Close:    anyFloat(k[4]),
			Volume:   anyFloat(k[5]),
		})
	}
	return candles, nil
}

func (c *Binance) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := requireSymbol(symbol); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))

	var t struct {
		LastPrice          float64 `json:"lastPrice,string"`
		HighPrice          float64 `json:"highPrice,string"`
		LowPrice           float64 `json:"lowPrice,string"`
		QuoteVolume        float64 `json:"quoteVolume,string"`
		PriceChangePercent float64 `json:"priceChangePercent,string"`
		CloseTime          int64   `json:"closeTime"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", params, false, &t); err != nil {
		return nil, err
	}
	return &Ticker{
		Symbol:      symbol,
		Last:        t.LastPrice,
		High24h:     t.HighPrice,
		Low24h:      t.LowPrice,
		QuoteVolume: t.QuoteVolume,
		ChangePct:   t.PriceChangePercent,
		At:          time.UnixMilli(t.CloseTime).UTC(),
	}, nil
}

func (c *Binance) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	if err := requireSymbol(symbol); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))

	var oi struct {
		OpenInterest float64 `json:"openInterest,string"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/openInterest", params, false, &oi); err != nil {
		return 0, err
	}
	return oi.OpenInterest, nil
}

func (c *Binance) FetchFundingRate(ctx context.Context, symbol string) (float64, error) {
	if err := requireSymbol(symbol); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))

	var premium struct {
		LastFundingRate float64 `json:"lastFundingRate,string"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, &premium); err != nil {
		return 0, err
	}
	return premium.LastFundingRate, nil
}

// ==================== ACCOUNT ====================

func (c *Binance) FetchBalance(ctx context.Context) (*Balance, error) {
	var account struct {
		TotalWalletBalance    float64 `json:"totalWalletBalance,string"`
		TotalUnrealizedProfit float64 `json:"totalUnrealizedProfit,string"`
		AvailableBalance      float64 `json:"availableBalance,string"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v2/account", nil, true, &account); err != nil {
		return nil, err
	}
	return &Balance{
		Asset:         "USDT",
		Total:         account.TotalWalletBalance,
		Free:          account.AvailableBalance,
		Used:          account.TotalWalletBalance - account.AvailableBalance,
		UnrealizedPnL: account.TotalUnrealizedProfit,
	}, nil
}

func (c *Binance) FetchPositions(ctx context.Context) ([]Position, error) {
	var raw []struct {
		Symbol           string  `json:"symbol"`
		PositionAmt      float64 `json:"positionAmt,string"`
		EntryPrice       float64 `json:"entryPrice,string"`
		MarkPrice        float64 `json:"markPrice,string"`
		UnrealizedProfit float64 `json:"unRealizedProfit,string"`
		LiquidationPrice float64 `json:"liquidationPrice,string"`
		Leverage         int     `json:"leverage,string"`
		Notional         float64 `json:"notional,string"`
		UpdateTime       int64   `json:"updateTime"`
	}
	if err := c.call(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, &raw); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		if p.PositionAmt == 0 {
			continue
		}
		side := PositionLong
		contracts := p.PositionAmt
		if contracts < 0 {
			side = PositionShort
			contracts = -contracts
		}
		notional := p.Notional
		if notional < 0 {
			notional = -notional
		}
		positions = append(positions, Position{
			Symbol:           unifiedSymbol(p.Symbol),
			Side:             side,
			Contracts:        contracts,
			EntryPrice:       p.EntryPrice,
			MarkPrice:        p.MarkPrice,
			LiquidationPrice: p.LiquidationPrice,
			Leverage:         p.Leverage,
			UnrealizedPnL:    p.UnrealizedProfit,
			Notional:         notional,
			UpdatedAt:        time.UnixMilli(p.UpdateTime).UTC(),
		})
	}
	return positions, nil
}

// ==================== TRADING ====================

var binanceOrderTypes = map[OrderType]string{
	OrderMarket:           "MARKET",
	OrderLimit:            "LIMIT",
	OrderStopMarket:       "STOP_MARKET",
	OrderTakeProfitMarket: "TAKE_PROFIT_MARKET",
}

func (c *Binance) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := requireSymbol(req.Symbol); err != nil {
		return nil, err
	}
	orderType, ok := binanceOrderTypes[req.Type]
	if !ok {
		return nil, errkind.Newf(errkind.Validation, "unsupported order type %q", req.Type)
	}
	if req.Amount <= 0 {
		return nil, errkind.Newf(errkind.Validation, "order amount must be positive, got %v", req.Amount)
	}

	params := url.Values{}
	params.Set("symbol", venueSymbol(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", orderType)
	params.Set("quantity", strconv.FormatFloat(req.Amount, 'f', -1, 64))
	params.Set("newOrderRespType", "RESULT")
	if req.Type == OrderLimit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(req.StopPrice, 'f', -1, 64))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	for k, v := range req.Params {
		params.Set(k, v)
	}

	var r struct {
		OrderID     int64   `json:"orderId"`
		Status      string  `json:"status"`
		Price       float64 `json:"price,string"`
		AvgPrice    float64 `json:"avgPrice,string"`
		OrigQty     float64 `json:"origQty,string"`
		ExecutedQty float64 `json:"executedQty,string"`
		UpdateTime  int64   `json:"updateTime"`
	}
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &r); err != nil {
		return nil, err
	}
	return &Order{
		ID:        strconv.FormatInt(r.OrderID, 10),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    binanceOrderStatus(r.Status),
		Amount:    r.OrigQty,
		Filled:    r.ExecutedQty,
		Price:     r.Price,
		AvgPrice:  r.AvgPrice,
		CreatedAt: time.UnixMilli(r.UpdateTime).UTC(),
	}, nil
}

func binanceOrderStatus(s string) OrderStatus {
	switch s {
	case "NEW":
		return StatusNew
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "FILLED":
		return StatusFilled
	case "CANCELED":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	default:
		return OrderStatus(strings.ToLower(s))
	}
}

func (c *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := requireSymbol(symbol); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	params.Set("orderId", orderID)
	return c.call(ctx, http.MethodDelete, "/fapi/v1/order", params, true, nil)
}

func (c *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := requireSymbol(symbol); err != nil {
		return err
	}
	if leverage < 1 {
		return errkind.Newf(errkind.Validation, "leverage must be >= 1, got %d", leverage)
	}
	params := url.Values{}
	params.Set("symbol", venueSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	return c.call(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil)
}

// ==================== STREAMS ====================

func (c *Binance) WatchTicker(ctx context.Context, symbol string) (<-chan Ticker, error) {
	if err := requireSymbol(symbol); err != nil {
		return nil, err
	}
	conn, err := c.dialStream(ctx, strings.ToLower(venueSymbol(symbol))+"@ticker")
	if err != nil {
		return nil, err
	}

	out := make(chan Ticker, streamBuffer)
	go c.readStream(ctx, conn, symbol, "ticker", func(msg []byte) {
		var ev struct {
			EventTime   int64   `json:"E"`
			LastPrice   float64 `json:"c,string"`
			HighPrice   float64 `json:"h,string"`
			LowPrice    float64 `json:"l,string"`
			QuoteVolume float64 `json:"q,string"`
			ChangePct   float64 `json:"P,string"`
		}
		if json.Unmarshal(msg, &ev) != nil || ev.EventTime == 0 {
			return
		}
		t := Ticker{
			Symbol:      symbol,
			Last:        ev.LastPrice,
			High24h:     ev.HighPrice,
			Low24h:      ev.LowPrice,
			QuoteVolume: ev.QuoteVolume,
			ChangePct:   ev.ChangePct,
			At:          time.UnixMilli(ev.EventTime).UTC(),
		}
		select {
		case out <- t:
		default:
			// Consumer is behind, drop rather than stall the read loop.
		}
	}, func() { close(out) })
	return out, nil
}

func (c *Binance) WatchTrades(ctx context.Context, symbol string) (<-chan PublicTrade, error) {
	if err := requireSymbol(symbol); err != nil {
		return nil, err
	}
	conn, err := c.dialStream(ctx, strings.ToLower(venueSymbol(symbol))+"@aggTrade")
	if err != nil {
		return nil, err
	}

	out := make(chan PublicTrade, streamBuffer)
	go c.readStream(ctx, conn, symbol, "trades", func(msg []byte) {
		var ev struct {
			TradeTime    int64   `json:"T"`
			Price        float64 `json:"p,string"`
			Quantity     float64 `json:"q,string"`
			IsBuyerMaker bool    `json:"m"`
		}
		if json.Unmarshal(msg, &ev) != nil || ev.TradeTime == 0 {
			return
		}
		side := SideBuy
		if ev.IsBuyerMaker {
			side = SideSell
		}
		tr := PublicTrade{
			Symbol: symbol,
			Price:  ev.Price,
			Amount: ev.Quantity,
			Side:   side,
			At:     time.UnixMilli(ev.TradeTime).UTC(),
		}
		select {
		case out <- tr:
		default:
		}
	}, func() { close(out) })
	return out, nil
}

func (c *Binance) dialStream(ctx context.Context, stream string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL+"/"+stream, nil)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Transient, err, "dial stream %s", stream)
	}
	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})
	return conn, nil
}

// readStream pumps messages into handle until the connection dies or ctx is
// cancelled. One Watch call owns one connection; reconnects are the stream
// manager's job.
func (c *Binance) readStream(ctx context.Context, conn *websocket.Conn, symbol, kind string, handle func([]byte), closeOut func()) {
	defer closeOut()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Str("symbol", symbol).Str("stream", kind).Msg("stream closed")
			}
			return
		}
		handle(msg)
	}
}

// Close releases idle HTTP connections. Stream connections are owned by
// their Watch contexts.
func (c *Binance) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

// ==================== PARSE HELPERS ====================

func anyFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
