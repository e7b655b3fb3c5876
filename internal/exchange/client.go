// Package exchange implements the Bybit v5 REST and WebSocket clients.
//
// The REST client (Client) covers the endpoints the bot needs:
//   - GetKlines:         GET  /v5/market/kline            — historical candles
//   - GetTicker:         GET  /v5/market/tickers          — latest price snapshot
//   - GetInstrumentSpec: GET  /v5/market/instruments-info — qty/price granularity (cached)
//   - SetLeverage:       POST /v5/position/set-leverage
//   - PlaceMarketOrder:  POST /v5/order/create            — market order with TP/SL
//   - GetPosition:       GET  /v5/position/list
//   - GetOrderHistory:   GET  /v5/order/history
//   - GetWalletBalance:  GET  /v5/account/wallet-balance
//
// Every request acquires a Limiter slot, is automatically retried on 5xx,
// and private endpoints carry the X-BAPI HMAC headers. Failures never
// propagate: each method logs the error, bumps the error counter, and
// returns a safe zero value (empty slice, nil, false). Callers treat those
// as "no data" and carry on.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"bybit-correlation-bot/internal/config"
	"bybit-correlation-bot/pkg/types"
)

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"
	demoURL    = "https://api-demo.bybit.com"

	// retCodeOK is the v5 success code; retCodeLeverageNotModified is
	// returned by set-leverage when the value is already in effect and is
	// treated as success.
	retCodeOK                  = 0
	retCodeLeverageNotModified = 110043
)

// apiResponse is the envelope every v5 endpoint returns.
type apiResponse[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
}

// Client is the Bybit v5 REST API client shared by every component. One
// instance is created at startup and injected where needed.
type Client struct {
	http    *resty.Client
	auth    *Auth
	limiter *Limiter
	specs   *specCache
	logger  *slog.Logger

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// BaseURL returns the REST host for the given environment flags.
func BaseURL(cfg config.APIConfig) string {
	switch {
	case cfg.Testnet:
		return testnetURL
	case cfg.DemoMode:
		return demoURL
	default:
		return mainnetURL
	}
}

// NewClient creates a REST client with retry and bounded concurrency.
func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(BaseURL(cfg)).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	c := &Client{
		http:    httpClient,
		auth:    NewAuth(cfg.APIKey, cfg.APISecret),
		limiter: NewLimiter(maxConcurrent),
		logger:  logger.With("component", "exchange"),
	}
	c.specs = newSpecCache(c)
	return c
}

// get performs one GET. signed selects private-endpoint auth headers.
func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer c.limiter.Release()
	c.requestCount.Add(1)

	query := params.Encode()
	req := c.http.R().SetContext(ctx).SetResult(out)
	if signed {
		req.SetHeaders(c.auth.Headers(query))
	}
	resp, err := req.Get(path + "?" + query)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// post performs one signed POST with a JSON body.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer c.limiter.Release()
	c.requestCount.Add(1)

	// The signature covers the exact bytes sent, so marshal once and send
	// the same buffer.
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("POST %s: marshal: %w", path, err)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.Headers(string(raw))).
		SetBody(raw).
		SetResult(out).
		Post(path)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// fail records and logs a request failure.
func (c *Client) fail(op string, err error, attrs ...any) {
	c.errorCount.Add(1)
	c.logger.Error(op+" failed", append([]any{"error", err}, attrs...)...)
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

type klineResult struct {
	List [][]string `json:"list"` // [startTime, open, high, low, close, volume, turnover]
}

// GetKlines fetches up to limit candles for a symbol, oldest first. The
// exchange returns newest-first; the slice is reversed before returning.
// On any failure the result is empty.
func (c *Client) GetKlines(ctx context.Context, category types.Category, symbol string, tf types.Timeframe, limit int) []types.Bar {
	params := url.Values{}
	params.Set("category", string(category))
	params.Set("symbol", symbol)
	params.Set("interval", tf.String())
	params.Set("limit", strconv.Itoa(limit))

	var resp apiResponse[klineResult]
	if err := c.get(ctx, "/v5/market/kline", params, false, &resp); err != nil {
		c.fail("get klines", err, "symbol", symbol, "interval", tf.String())
		return nil
	}
	if resp.RetCode != retCodeOK {
		c.fail("get klines", fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg), "symbol", symbol)
		return nil
	}

	bars := make([]types.Bar, 0, len(resp.Result.List))
	for i := len(resp.Result.List) - 1; i >= 0; i-- {
		row := resp.Result.List[i]
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		bars = append(bars, types.Bar{
			StartTime: time.UnixMilli(ms),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			Confirmed: true,
		})
	}
	return bars
}

type tickerResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Volume24h string `json:"volume24h"`
	} `json:"list"`
}

// GetTicker fetches the latest ticker for a symbol, or nil on failure.
func (c *Client) GetTicker(ctx context.Context, category types.Category, symbol string) *types.Ticker {
	params := url.Values{}
	params.Set("category", string(category))
	params.Set("symbol", symbol)

	var resp apiResponse[tickerResult]
	if err := c.get(ctx, "/v5/market/tickers", params, false, &resp); err != nil {
		c.fail("get ticker", err, "symbol", symbol)
		return nil
	}
	if resp.RetCode != retCodeOK || len(resp.Result.List) == 0 {
		c.fail("get ticker", fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg), "symbol", symbol)
		return nil
	}
	t := resp.Result.List[0]
	return &types.Ticker{
		Symbol:    t.Symbol,
		LastPrice: parseFloat(t.LastPrice),
		Volume24h: parseFloat(t.Volume24h),
	}
}

// GetInstrumentSpec returns the trading constraints for a symbol, served
// from a 300 s TTL cache. ok is false when neither cache nor exchange can
// provide the spec; callers then fall back to defaults.
func (c *Client) GetInstrumentSpec(ctx context.Context, category types.Category, symbol string) (types.InstrumentSpec, bool) {
	return c.specs.get(ctx, category, symbol)
}

// ————————————————————————————————————————————————————————————————————————
// Trading
// ————————————————————————————————————————————————————————————————————————

// SetLeverage sets buy and sell leverage for a symbol. "Leverage not
// modified" (110043) counts as success since the desired state holds.
func (c *Client) SetLeverage(ctx context.Context, category types.Category, symbol string, leverage int) bool {
	body := map[string]string{
		"category":     string(category),
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	var resp apiResponse[struct{}]
	if err := c.post(ctx, "/v5/position/set-leverage", body, &resp); err != nil {
		c.fail("set leverage", err, "symbol", symbol)
		return false
	}
	if resp.RetCode != retCodeOK && resp.RetCode != retCodeLeverageNotModified {
		c.fail("set leverage", fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg), "symbol", symbol)
		return false
	}
	return true
}

type orderResult struct {
	OrderID string `json:"orderId"`
}

// PlaceMarketOrder places a market order with attached take-profit and
// stop-loss. qty, tp and sl must already be normalized strings (see
// NormalizeOrder). Returns the exchange order id, or "" on failure.
func (c *Client) PlaceMarketOrder(ctx context.Context, category types.Category, symbol string, side types.Side, qty, tp, sl string, positionIdx int) string {
	body := map[string]any{
		"category":    string(category),
		"symbol":      symbol,
		"side":        string(side),
		"orderType":   "Market",
		"qty":         qty,
		"positionIdx": positionIdx,
	}
	if tp != "" {
		body["takeProfit"] = tp
	}
	if sl != "" {
		body["stopLoss"] = sl
	}

	var resp apiResponse[orderResult]
	if err := c.post(ctx, "/v5/order/create", body, &resp); err != nil {
		c.fail("place order", err, "symbol", symbol, "side", side)
		return ""
	}
	if resp.RetCode != retCodeOK {
		c.fail("place order", fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg), "symbol", symbol, "side", side)
		return ""
	}
	c.logger.Info("order placed", "symbol", symbol, "side", side, "qty", qty, "tp", tp, "sl", sl, "order_id", resp.Result.OrderID)
	return resp.Result.OrderID
}

type positionResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		AvgPrice      string `json:"avgPrice"`
		MarkPrice     string `json:"markPrice"`
		UnrealisedPnl string `json:"unrealisedPnl"`
	} `json:"list"`
}

// GetPosition returns the first non-zero-size position for a symbol, or
// nil when flat or on failure.
func (c *Client) GetPosition(ctx context.Context, category types.Category, symbol string) *types.Position {
	params := url.Values{}
	params.Set("category", string(category))
	params.Set("symbol", symbol)

	var resp apiResponse[positionResult]
	if err := c.get(ctx, "/v5/position/list", params, true, &resp); err != nil {
		c.fail("get position", err, "symbol", symbol)
		return nil
	}
	if resp.RetCode != retCodeOK {
		c.fail("get position", fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg), "symbol", symbol)
		return nil
	}
	for _, p := range resp.Result.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}
		return &types.Position{
			Symbol:     p.Symbol,
			Side:       types.Side(p.Side),
			Size:       size,
			EntryPrice: parseFloat(p.AvgPrice),
			MarkPrice:  parseFloat(p.MarkPrice),
			UnrealPnl:  parseFloat(p.UnrealisedPnl),
		}
	}
	return nil
}

type historyResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		OrderStatus string `json:"orderStatus"`
		AvgPrice    string `json:"avgPrice"`
		Qty         string `json:"qty"`
		CreatedTime string `json:"createdTime"`
	} `json:"list"`
}

// GetOrderHistory fetches recent orders for a symbol (or the whole
// category when symbol is empty). Empty on failure.
func (c *Client) GetOrderHistory(ctx context.Context, category types.Category, symbol string, limit int) []types.HistoricalOrder {
	if limit <= 0 {
		limit = 20
	}
	params := url.Values{}
	params.Set("category", string(category))
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	params.Set("limit", strconv.Itoa(limit))

	var resp apiResponse[historyResult]
	if err := c.get(ctx, "/v5/order/history", params, true, &resp); err != nil {
		c.fail("get order history", err, "symbol", symbol)
		return nil
	}
	if resp.RetCode != retCodeOK {
		c.fail("get order history", fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg), "symbol", symbol)
		return nil
	}

	out := make([]types.HistoricalOrder, 0, len(resp.Result.List))
	for _, o := range resp.Result.List {
		ms, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
		out = append(out, types.HistoricalOrder{
			OrderID:     o.OrderID,
			Symbol:      o.Symbol,
			Side:        types.Side(o.Side),
			Status:      o.OrderStatus,
			AvgPrice:    parseFloat(o.AvgPrice),
			Qty:         parseFloat(o.Qty),
			CreatedTime: time.UnixMilli(ms),
		})
	}
	return out
}

type walletResult struct {
	List []struct {
		TotalEquity string `json:"totalEquity"`
	} `json:"list"`
}

// GetWalletBalance returns the account's total equity in USDT, 0 on
// failure.
func (c *Client) GetWalletBalance(ctx context.Context, accountType string) float64 {
	if accountType == "" {
		accountType = "UNIFIED"
	}
	params := url.Values{}
	params.Set("accountType", accountType)

	var resp apiResponse[walletResult]
	if err := c.get(ctx, "/v5/account/wallet-balance", params, true, &resp); err != nil {
		c.fail("get wallet balance", err)
		return 0
	}
	if resp.RetCode != retCodeOK || len(resp.Result.List) == 0 {
		c.fail("get wallet balance", fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg))
		return 0
	}
	return parseFloat(resp.Result.List[0].TotalEquity)
}

// Stats returns diagnostic counters for the status log.
func (c *Client) Stats() map[string]any {
	return map[string]any{
		"requests":  c.requestCount.Load(),
		"errors":    c.errorCount.Load(),
		"in_flight": c.limiter.InFlight(),
	}
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
