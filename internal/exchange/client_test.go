package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"bybit-correlation-bot/pkg/types"
)

func newTestClient(baseURL string) *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c := &Client{
		http:    resty.New().SetBaseURL(baseURL).SetTimeout(5 * time.Second),
		auth:    NewAuth("test-key", "test-secret"),
		limiter: NewLimiter(maxConcurrent),
		logger:  logger,
	}
	c.specs = newSpecCache(c)
	return c
}

func serve(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newTestClient(srv.URL)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func mustFrame(t *testing.T, raw string) types.Timeframe {
	t.Helper()
	tf, err := types.ParseTimeframe(raw)
	if err != nil {
		t.Fatal(err)
	}
	return tf
}

func TestGetKlinesReversesToOldestFirst(t *testing.T) {
	t.Parallel()
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/kline" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("interval"); got != "1" {
			t.Errorf("interval = %q, want 1", got)
		}
		// The exchange returns newest-first.
		writeJSON(w, map[string]any{
			"retCode": 0,
			"result": map[string]any{
				"list": [][]string{
					{"120000", "103", "104", "102", "103.5", "30", "0"},
					{"60000", "102", "103", "101", "102.5", "20", "0"},
					{"0", "101", "102", "100", "101.5", "10", "0"},
				},
			},
		})
	})

	bars := c.GetKlines(context.Background(), types.CategoryLinear, "BTCUSDT", mustFrame(t, "1"), 3)
	if len(bars) != 3 {
		t.Fatalf("bars = %d, want 3", len(bars))
	}
	if bars[0].Close != 101.5 || bars[2].Close != 103.5 {
		t.Errorf("order wrong: first close %v, last close %v", bars[0].Close, bars[2].Close)
	}
	if !bars[0].StartTime.Before(bars[2].StartTime) {
		t.Error("bars not in chronological order")
	}
	for i, b := range bars {
		if !b.Confirmed {
			t.Errorf("bar %d not confirmed", i)
		}
	}
}

func TestGetKlinesErrorYieldsEmpty(t *testing.T) {
	t.Parallel()
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"retCode": 10001, "retMsg": "params error"})
	})

	if bars := c.GetKlines(context.Background(), types.CategoryLinear, "BTCUSDT", mustFrame(t, "1"), 3); len(bars) != 0 {
		t.Errorf("bars = %d on API error, want 0", len(bars))
	}
	if c.Stats()["errors"].(int64) == 0 {
		t.Error("error counter not bumped")
	}
}

func TestGetTicker(t *testing.T) {
	t.Parallel()
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"retCode": 0,
			"result": map[string]any{
				"list": []map[string]string{
					{"symbol": "WIFUSDT", "lastPrice": "0.4150", "volume24h": "123456"},
				},
			},
		})
	})

	tick := c.GetTicker(context.Background(), types.CategoryLinear, "WIFUSDT")
	if tick == nil {
		t.Fatal("GetTicker returned nil")
	}
	if tick.LastPrice != 0.4150 || tick.Volume24h != 123456 {
		t.Errorf("ticker = %+v", tick)
	}
}

func TestSetLeverageNotModifiedIsSuccess(t *testing.T) {
	t.Parallel()
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"retCode": 110043, "retMsg": "leverage not modified"})
	})

	if !c.SetLeverage(context.Background(), types.CategoryLinear, "WIFUSDT", 10) {
		t.Error("SetLeverage = false for retCode 110043")
	}
}

func TestPlaceMarketOrder(t *testing.T) {
	t.Parallel()
	var gotBody atomic.Value
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		gotBody.Store(body)
		if r.Header.Get("X-BAPI-SIGN") == "" {
			t.Error("order request not signed")
		}
		writeJSON(w, map[string]any{
			"retCode": 0,
			"result":  map[string]string{"orderId": "oid-42"},
		})
	})

	id := c.PlaceMarketOrder(context.Background(), types.CategoryLinear, "WIFUSDT", types.Buy, "240", "0.4170", "0.4130", 0)
	if id != "oid-42" {
		t.Fatalf("order id = %q, want oid-42", id)
	}

	body := gotBody.Load().(map[string]any)
	if body["orderType"] != "Market" || body["qty"] != "240" {
		t.Errorf("body = %v", body)
	}
	if body["takeProfit"] != "0.4170" || body["stopLoss"] != "0.4130" {
		t.Errorf("bracket missing from body: %v", body)
	}
}

func TestGetPositionSkipsFlat(t *testing.T) {
	t.Parallel()
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"retCode": 0,
			"result": map[string]any{
				"list": []map[string]string{
					{"symbol": "WIFUSDT", "side": "", "size": "0", "avgPrice": "0"},
					{"symbol": "WIFUSDT", "side": "Buy", "size": "240", "avgPrice": "0.4150"},
				},
			},
		})
	})

	pos := c.GetPosition(context.Background(), types.CategoryLinear, "WIFUSDT")
	if pos == nil {
		t.Fatal("GetPosition returned nil")
	}
	if pos.Size != 240 || pos.Side != types.Buy {
		t.Errorf("position = %+v", pos)
	}
}

func TestGetOrderHistory(t *testing.T) {
	t.Parallel()
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"retCode": 0,
			"result": map[string]any{
				"list": []map[string]string{
					{"orderId": "oid-1", "symbol": "WIFUSDT", "side": "Buy", "orderStatus": "Filled", "avgPrice": "0.4170", "qty": "240", "createdTime": "1700000000000"},
				},
			},
		})
	})

	hist := c.GetOrderHistory(context.Background(), types.CategoryLinear, "WIFUSDT", 10)
	if len(hist) != 1 {
		t.Fatalf("history = %d rows, want 1", len(hist))
	}
	h := hist[0]
	if h.OrderID != "oid-1" || h.Status != "Filled" || h.AvgPrice != 0.4170 {
		t.Errorf("history row = %+v", h)
	}
}

func TestGetWalletBalance(t *testing.T) {
	t.Parallel()
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("accountType"); got != "UNIFIED" {
			t.Errorf("accountType = %q, want UNIFIED", got)
		}
		writeJSON(w, map[string]any{
			"retCode": 0,
			"result": map[string]any{
				"list": []map[string]string{{"totalEquity": "1234.56"}},
			},
		})
	})

	if got := c.GetWalletBalance(context.Background(), ""); got != 1234.56 {
		t.Errorf("balance = %v, want 1234.56", got)
	}
}

func TestInstrumentSpecCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, map[string]any{
			"retCode": 0,
			"result": map[string]any{
				"list": []map[string]any{
					{
						"symbol":        "WIFUSDT",
						"lotSizeFilter": map[string]string{"qtyStep": "1", "minOrderQty": "1", "minNotionalValue": "5"},
						"priceFilter":   map[string]string{"tickSize": "0.0001"},
					},
				},
			},
		})
	})

	ctx := context.Background()
	spec, ok := c.GetInstrumentSpec(ctx, types.CategoryLinear, "WIFUSDT")
	if !ok {
		t.Fatal("spec not available")
	}
	if spec.QtyStep != 1 || spec.TickSize != 0.0001 || spec.MinNotional != 5 {
		t.Errorf("spec = %+v", spec)
	}

	// Second lookup is served from the cache.
	if _, ok := c.GetInstrumentSpec(ctx, types.CategoryLinear, "WIFUSDT"); !ok {
		t.Fatal("cached spec not available")
	}
	if calls.Load() != 1 {
		t.Errorf("instrument endpoint called %d times, want 1", calls.Load())
	}
}

func TestInstrumentSpecSpotFallbacks(t *testing.T) {
	t.Parallel()
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"retCode": 0,
			"result": map[string]any{
				"list": []map[string]any{
					{
						"symbol":        "WIFUSDT",
						"lotSizeFilter": map[string]string{"basePrecision": "0.01", "minOrderQty": "0.01", "minOrderAmt": "1"},
						"priceFilter":   map[string]string{"tickSize": "0.0001"},
					},
				},
			},
		})
	})

	spec, ok := c.GetInstrumentSpec(context.Background(), types.CategorySpot, "WIFUSDT")
	if !ok {
		t.Fatal("spec not available")
	}
	if spec.QtyStep != 0.01 {
		t.Errorf("QtyStep = %v, want basePrecision 0.01", spec.QtyStep)
	}
	if spec.MinNotional != 1 {
		t.Errorf("MinNotional = %v, want minOrderAmt 1", spec.MinNotional)
	}
}

func TestInstrumentSpecUnavailable(t *testing.T) {
	t.Parallel()
	c := serve(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"retCode": 10001, "retMsg": "unknown symbol"})
	})

	if _, ok := c.GetInstrumentSpec(context.Background(), types.CategoryLinear, "NOPE"); ok {
		t.Error("spec reported available on API error")
	}
}
