// Package refexchange is a reference IExchangeConnector implementation
// against a Binance-shaped spot REST+WebSocket API. It exists to prove
// the connector interface against a real wire protocol; any exchange
// with a similar signed-REST/WebSocket-ticker shape adapts the same way.
package refexchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dcaengine/internal/config"
	"dcaengine/internal/core"
	apperrors "dcaengine/pkg/errors"
	"dcaengine/pkg/retry"
	"dcaengine/pkg/websocket"
)

const (
	defaultBaseURL = "https://api.refexchange.example/api/v3"
	defaultWSURL   = "wss://stream.refexchange.example/ws"
)

// Connector is a signed-REST exchange adapter with a WebSocket-fed ticker
// cache and an order-status cache filled from REST responses.
type Connector struct {
	name   string
	cfg    config.ExchangeConfig
	logger core.ILogger

	httpClient *http.Client
	baseURL    string
	wsURL      string

	precisionTTL time.Duration

	mu          sync.RWMutex
	precision   map[string]core.SymbolPrecision
	precisionAt time.Time
	tickers     map[string]core.Ticker
	orders      map[string]core.ExchangeOrder
	canonical   map[string]string // native symbol -> "BASE/QUOTE"

	wsClient *websocket.Client
}

// New creates a reference connector for the named exchange. The
// WebSocket ticker stream is started lazily by Start, so tests
// that only need REST behavior can use a Connector without a live
// socket.
func New(name string, cfg config.ExchangeConfig, logger core.ILogger) *Connector {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Connector{
		name:   name,
		cfg:    cfg,
		logger: logger.WithField("exchange", name),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:      baseURL,
		wsURL:        defaultWSURL,
		precisionTTL: 1 * time.Hour,
		precision:    make(map[string]core.SymbolPrecision),
		tickers:      make(map[string]core.Ticker),
		orders:       make(map[string]core.ExchangeOrder),
		canonical:    make(map[string]string),
	}
}

var _ core.IExchangeConnector = (*Connector)(nil)

func (c *Connector) Name() string { return c.name }

// nativeSymbol translates the engine's canonical "BASE/QUOTE" form to
// the exchange's concatenated native symbol. The reverse direction goes
// through the canonical map built from /exchangeInfo.
func nativeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func (c *Connector) canonicalSymbol(native string) string {
	if canon, ok := c.canonical[native]; ok {
		return canon
	}
	return native
}

// Start opens the public ticker stream in the background; no order
// stream is opened. Cancel ctx to stop it. Start never blocks
// on connection establishment; the underlying client reconnects on its
// own (pkg/websocket).
func (c *Connector) Start(ctx context.Context) {
	c.wsClient = websocket.NewClient(c.wsURL+"/!ticker@arr", c.handleTickerMessage, c.logger)
	c.wsClient.Start()
	go func() {
		<-ctx.Done()
		c.wsClient.Stop()
	}()
}

func (c *Connector) handleTickerMessage(message []byte) {
	var updates []struct {
		Symbol string `json:"s"`
		Last   string `json:"c"`
	}
	if err := json.Unmarshal(message, &updates); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range updates {
		last, err := decimal.NewFromString(u.Last)
		if err != nil {
			continue
		}
		sym := c.canonicalSymbol(u.Symbol)
		c.tickers[sym] = core.Ticker{Symbol: sym, Last: last}
	}
}

func (c *Connector) sign(req *http.Request) {
	req.Header.Set("X-API-KEY", string(c.cfg.APIKey))

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}

	mac := hmac.New(sha256.New, []byte(string(c.cfg.SecretKey)))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	req.URL.RawQuery = q.Encode()
}

func (c *Connector) isTransient(err error) bool {
	if err == nil {
		return false
	}
	return err == apperrors.ErrRateLimitExceeded ||
		err == apperrors.ErrNetwork ||
		err == apperrors.ErrSystemOverload ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "timeout")
}

func (c *Connector) parseError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("refexchange error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case -2015:
		return apperrors.ErrAuthenticationFailed
	case -2010:
		return apperrors.ErrInsufficientFunds
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2012:
		return apperrors.ErrDuplicateOrder
	case -2011:
		return apperrors.ErrOrderNotFound
	}

	return fmt.Errorf("refexchange error %d: %s", errResp.Code, errResp.Msg)
}

func (c *Connector) do(ctx context.Context, method, path string, query map[string]string, signed bool) ([]byte, error) {
	var body []byte
	var result []byte
	err := retry.Do(ctx, retry.DefaultPolicy, c.isTransient, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}

		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()

		if signed {
			c.sign(req)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return apperrors.ErrNetwork
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode != http.StatusOK {
			return c.parseError(respBody)
		}

		result = respBody
		return nil
	})

	return result, err
}

func mapStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED", "EXPIRED", "REJECTED":
		return core.OrderStatusCancelled
	default:
		return core.OrderStatusPending
	}
}

// GetPrecisionRules returns the cached symbol precision table, refetching
// from /exchangeInfo once precisionTTL has elapsed.
func (c *Connector) GetPrecisionRules(ctx context.Context) (map[string]core.SymbolPrecision, error) {
	c.mu.RLock()
	fresh := len(c.precision) > 0 && time.Since(c.precisionAt) < c.precisionTTL
	snapshot := make(map[string]core.SymbolPrecision, len(c.precision))
	for k, v := range c.precision {
		snapshot[k] = v
	}
	c.mu.RUnlock()
	if fresh {
		return snapshot, nil
	}

	body, err := c.do(ctx, http.MethodGet, "/exchangeInfo", nil, false)
	if err != nil {
		return nil, err
	}

	var data struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}

	rules := make(map[string]core.SymbolPrecision, len(data.Symbols))
	canonical := make(map[string]string, len(data.Symbols))
	for _, s := range data.Symbols {
		var p core.SymbolPrecision
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				p.TickSize, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				p.StepSize, _ = decimal.NewFromString(f.StepSize)
				p.MinQty, _ = decimal.NewFromString(f.MinQty)
			case "MIN_NOTIONAL":
				p.MinNotional, _ = decimal.NewFromString(f.MinNotional)
			}
		}
		key := s.Symbol
		if s.BaseAsset != "" && s.QuoteAsset != "" {
			key = s.BaseAsset + "/" + s.QuoteAsset
			canonical[s.Symbol] = key
		}
		rules[key] = p
	}

	c.mu.Lock()
	c.precision = rules
	c.precisionAt = time.Now()
	for k, v := range canonical {
		c.canonical[k] = v
	}
	c.mu.Unlock()

	return rules, nil
}

// PlaceOrder submits a new order. Market orders return immediately with
// whatever fill state the exchange reports synchronously; limit orders
// come back "open" and are resolved by a later refresh.
func (c *Connector) PlaceOrder(ctx context.Context, symbol string, side core.OrderAction, orderType core.ExchangeOrderType, quantity decimal.Decimal, price *decimal.Decimal) (core.ExchangeOrder, error) {
	query := map[string]string{
		"symbol":   nativeSymbol(symbol),
		"quantity": quantity.String(),
	}
	switch side {
	case core.ActionBuy:
		query["side"] = "BUY"
	case core.ActionSell:
		query["side"] = "SELL"
	}
	switch orderType {
	case core.ExchangeOrderLimit:
		query["type"] = "LIMIT"
		query["timeInForce"] = "GTC"
		if price == nil {
			return core.ExchangeOrder{}, apperrors.ErrInvalidOrderParameter
		}
		query["price"] = price.String()
	case core.ExchangeOrderMarket:
		query["type"] = "MARKET"
	}

	body, err := c.do(ctx, http.MethodPost, "/order", query, true)
	if err != nil {
		return core.ExchangeOrder{}, err
	}

	var raw struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return core.ExchangeOrder{}, err
	}

	filled, _ := decimal.NewFromString(raw.ExecutedQty)
	avg, _ := decimal.NewFromString(raw.AvgPrice)
	order := core.ExchangeOrder{
		ID:       strconv.FormatInt(raw.OrderID, 10),
		Status:   mapStatus(raw.Status),
		Filled:   filled,
		AvgPrice: avg,
	}

	c.mu.Lock()
	c.orders[order.ID] = order
	c.mu.Unlock()

	return order, nil
}

// GetOrderStatus serves the cached state (recorded from earlier REST
// responses) when it is terminal and falls through to a REST poll
// otherwise.
func (c *Connector) GetOrderStatus(ctx context.Context, id string, symbol string) (core.ExchangeOrder, error) {
	c.mu.RLock()
	cached, ok := c.orders[id]
	c.mu.RUnlock()
	if ok && cached.Status.IsTerminal() {
		return cached, nil
	}

	body, err := c.do(ctx, http.MethodGet, "/order", map[string]string{"symbol": nativeSymbol(symbol), "orderId": id}, true)
	if err != nil {
		return core.ExchangeOrder{}, err
	}

	var raw struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return core.ExchangeOrder{}, err
	}

	filled, _ := decimal.NewFromString(raw.ExecutedQty)
	avg, _ := decimal.NewFromString(raw.AvgPrice)
	order := core.ExchangeOrder{
		ID:       strconv.FormatInt(raw.OrderID, 10),
		Status:   mapStatus(raw.Status),
		Filled:   filled,
		AvgPrice: avg,
	}

	c.mu.Lock()
	c.orders[order.ID] = order
	c.mu.Unlock()

	return order, nil
}

// CancelOrder cancels an order. A not-found response converges to
// cancelled, keeping cancellation idempotent.
func (c *Connector) CancelOrder(ctx context.Context, id string, symbol string) (core.ExchangeOrder, error) {
	body, err := c.do(ctx, http.MethodDelete, "/order", map[string]string{"symbol": nativeSymbol(symbol), "orderId": id}, true)
	if err != nil {
		if err == apperrors.ErrOrderNotFound {
			order := core.ExchangeOrder{ID: id, Status: core.OrderStatusCancelled}
			c.mu.Lock()
			c.orders[id] = order
			c.mu.Unlock()
			return order, nil
		}
		return core.ExchangeOrder{}, err
	}

	var raw struct {
		OrderID     int64  `json:"orderId"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	_ = json.Unmarshal(body, &raw)

	filled, _ := decimal.NewFromString(raw.ExecutedQty)
	avg, _ := decimal.NewFromString(raw.AvgPrice)
	order := core.ExchangeOrder{ID: id, Status: core.OrderStatusCancelled, Filled: filled, AvgPrice: avg}

	c.mu.Lock()
	c.orders[id] = order
	c.mu.Unlock()

	return order, nil
}

// GetCurrentPrice serves the WebSocket ticker cache when populated and
// falls back to a REST call otherwise.
func (c *Connector) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.RLock()
	t, ok := c.tickers[symbol]
	c.mu.RUnlock()
	if ok {
		return t.Last, nil
	}

	body, err := c.do(ctx, http.MethodGet, "/ticker/price", map[string]string{"symbol": nativeSymbol(symbol)}, false)
	if err != nil {
		return decimal.Zero, err
	}

	var res struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(res.Price)
}

// GetAllTickers returns the WebSocket ticker cache, falling back to a
// REST snapshot when the stream has not produced any data yet.
func (c *Connector) GetAllTickers(ctx context.Context) (map[string]core.Ticker, error) {
	c.mu.RLock()
	if len(c.tickers) > 0 {
		snapshot := make(map[string]core.Ticker, len(c.tickers))
		for k, v := range c.tickers {
			snapshot[k] = v
		}
		c.mu.RUnlock()
		return snapshot, nil
	}
	c.mu.RUnlock()

	body, err := c.do(ctx, http.MethodGet, "/ticker/price", nil, false)
	if err != nil {
		return nil, err
	}

	var data []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}

	c.mu.RLock()
	tickers := make(map[string]core.Ticker, len(data))
	for _, d := range data {
		last, _ := decimal.NewFromString(d.Price)
		sym := c.canonicalSymbol(d.Symbol)
		tickers[sym] = core.Ticker{Symbol: sym, Last: last}
	}
	c.mu.RUnlock()
	return tickers, nil
}

func (c *Connector) fetchBalances(ctx context.Context, freeOnly bool) (map[string]decimal.Decimal, error) {
	body, err := c.do(ctx, http.MethodGet, "/account", nil, true)
	if err != nil {
		return nil, err
	}

	var data struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}

	balances := make(map[string]decimal.Decimal, len(data.Balances))
	for _, b := range data.Balances {
		free, _ := decimal.NewFromString(b.Free)
		if freeOnly {
			balances[b.Asset] = free
			continue
		}
		locked, _ := decimal.NewFromString(b.Locked)
		balances[b.Asset] = free.Add(locked)
	}
	return balances, nil
}

func (c *Connector) FetchBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return c.fetchBalances(ctx, false)
}

func (c *Connector) FetchFreeBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return c.fetchBalances(ctx, true)
}
