// instruments.go caches per-symbol trading constraints.
//
// The instruments-info endpoint changes rarely, so responses are cached for
// specTTL per (category, symbol). The cache is read-mostly; a miss fetches
// under the cache's own lock-free path and stores under the guard.
package exchange

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"bybit-correlation-bot/pkg/types"
)

const specTTL = 300 * time.Second

type cachedSpec struct {
	spec      types.InstrumentSpec
	fetchedAt time.Time
}

type specCache struct {
	mu     sync.RWMutex
	client *Client
	byKey  map[string]cachedSpec
}

func newSpecCache(c *Client) *specCache {
	return &specCache{client: c, byKey: make(map[string]cachedSpec)}
}

func (sc *specCache) get(ctx context.Context, category types.Category, symbol string) (types.InstrumentSpec, bool) {
	key := string(category) + ":" + symbol

	sc.mu.RLock()
	cached, ok := sc.byKey[key]
	sc.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < specTTL {
		return cached.spec, true
	}

	spec, ok := sc.fetch(ctx, category, symbol)
	if !ok {
		// Serve a stale entry over nothing at all.
		if cached.fetchedAt.IsZero() {
			return types.InstrumentSpec{}, false
		}
		return cached.spec, true
	}

	sc.mu.Lock()
	sc.byKey[key] = cachedSpec{spec: spec, fetchedAt: time.Now()}
	sc.mu.Unlock()
	return spec, true
}

type instrumentsResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		LotSizeFilter struct {
			QtyStep          string `json:"qtyStep"`
			BasePrecision    string `json:"basePrecision"` // spot counterpart of qtyStep
			MinOrderQty      string `json:"minOrderQty"`
			MinNotionalValue string `json:"minNotionalValue"`
			MinOrderAmt      string `json:"minOrderAmt"` // spot counterpart of minNotionalValue
		} `json:"lotSizeFilter"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
	} `json:"list"`
}

func (sc *specCache) fetch(ctx context.Context, category types.Category, symbol string) (types.InstrumentSpec, bool) {
	params := url.Values{}
	params.Set("category", string(category))
	params.Set("symbol", symbol)

	var resp apiResponse[instrumentsResult]
	if err := sc.client.get(ctx, "/v5/market/instruments-info", params, false, &resp); err != nil {
		sc.client.fail("get instruments info", err, "symbol", symbol)
		return types.InstrumentSpec{}, false
	}
	if resp.RetCode != retCodeOK || len(resp.Result.List) == 0 {
		sc.client.fail("get instruments info",
			fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg), "symbol", symbol)
		return types.InstrumentSpec{}, false
	}

	row := resp.Result.List[0]
	spec := types.InstrumentSpec{
		QtyStep:     parseFloat(row.LotSizeFilter.QtyStep),
		MinOrderQty: parseFloat(row.LotSizeFilter.MinOrderQty),
		TickSize:    parseFloat(row.PriceFilter.TickSize),
		MinNotional: parseFloat(row.LotSizeFilter.MinNotionalValue),
	}
	// Spot uses different filter field names.
	if spec.QtyStep == 0 {
		spec.QtyStep = parseFloat(row.LotSizeFilter.BasePrecision)
	}
	if spec.MinNotional == 0 {
		spec.MinNotional = parseFloat(row.LotSizeFilter.MinOrderAmt)
	}

	def := types.DefaultInstrumentSpec()
	if spec.QtyStep <= 0 {
		spec.QtyStep = def.QtyStep
	}
	if spec.MinOrderQty <= 0 {
		spec.MinOrderQty = spec.QtyStep
	}
	if spec.TickSize <= 0 {
		spec.TickSize = def.TickSize
	}
	if spec.MinNotional <= 0 {
		spec.MinNotional = def.MinNotional
	}
	return spec, true
}
