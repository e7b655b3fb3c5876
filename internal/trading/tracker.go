// tracker.go polls order history for tracked orders and applies terminal
// status transitions.
//
// The tracker is the second close-detection path next to the main loop's
// position polling: it watches the exchange's order history for the orders
// it was handed and, when one turns Filled or Cancelled, routes the
// terminal transition through the coordinator so both paths share one
// close implementation.
package trading

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bybit-correlation-bot/internal/store"
	"bybit-correlation-bot/pkg/types"
)

const (
	trackerInterval     = 5 * time.Second
	trackerHistoryLimit = 50
)

// Tracker holds the in-memory map of live exchange orders. Every OPEN
// order has exactly one entry here; terminal orders are removed.
type Tracker struct {
	client      ExchangeClient
	coordinator *Coordinator
	logger      *slog.Logger

	mu      sync.Mutex
	tracked map[string]*store.OrderRecord // exchange order id -> record
}

// NewTracker creates a tracker bound to its coordinator.
func NewTracker(client ExchangeClient, coordinator *Coordinator, logger *slog.Logger) *Tracker {
	return &Tracker{
		client:      client,
		coordinator: coordinator,
		logger:      logger.With("component", "tracker"),
		tracked:     make(map[string]*store.OrderRecord),
	}
}

// Track registers an order for polling.
func (t *Tracker) Track(o *store.OrderRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracked[o.OrderID] = o
}

// Untrack removes an order, typically after a terminal transition.
func (t *Tracker) Untrack(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tracked, orderID)
}

// TrackedCount returns the number of live entries.
func (t *Tracker) TrackedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// Run polls on a fixed cadence until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(trackerInterval)
	defer ticker.Stop()

	t.logger.Info("order tracker running", "interval", trackerInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

// poll groups tracked orders by symbol, fetches each symbol's recent
// history once, and applies any terminal transitions it finds.
func (t *Tracker) poll(ctx context.Context) {
	t.mu.Lock()
	bySymbol := make(map[string][]*store.OrderRecord)
	for _, o := range t.tracked {
		bySymbol[o.Pair] = append(bySymbol[o.Pair], o)
	}
	t.mu.Unlock()

	for symbol, orders := range bySymbol {
		history := t.client.GetOrderHistory(ctx, types.CategoryLinear, symbol, trackerHistoryLimit)
		if len(history) == 0 {
			continue
		}
		byID := make(map[string]types.HistoricalOrder, len(history))
		for _, h := range history {
			byID[h.OrderID] = h
		}

		for _, o := range orders {
			h, ok := byID[o.OrderID]
			if !ok {
				continue
			}
			switch h.Status {
			case "Filled":
				t.logger.Info("tracked order filled", "order_id", o.OrderID, "symbol", symbol, "avg_price", h.AvgPrice)
				t.coordinator.closePosition(ctx, o, h.AvgPrice, inferCloseReason(o, h.AvgPrice))
			case "Cancelled", "Rejected":
				t.logger.Warn("tracked order cancelled", "order_id", o.OrderID, "symbol", symbol, "status", h.Status)
				t.coordinator.cancelPosition(o)
			}
		}
	}
}

// Stats returns diagnostic counters for the status log.
func (t *Tracker) Stats() map[string]any {
	return map[string]any{"tracked_orders": t.TrackedCount()}
}
