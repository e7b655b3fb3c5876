// Package trading turns signals into positions and positions into closed,
// reconciled trades.
//
// The Coordinator enforces the lifecycle rules: at most one open position
// per strategy, a minimum viable notional, a refreshed wallet balance, and
// the stop-loss circuit breaker. It normalizes quantity and TP/SL to the
// instrument's granularity before placing, persists every step, and on
// close reconciles the exit price against exchange history to classify the
// close and compute P&L.
//
// Per-strategy serialization is structural: each strategy's signals are
// executed synchronously from that strategy's own goroutine, so two opens
// for the same strategy can never race.
package trading

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bybit-correlation-bot/internal/config"
	"bybit-correlation-bot/internal/exchange"
	"bybit-correlation-bot/internal/risk"
	"bybit-correlation-bot/internal/store"
	"bybit-correlation-bot/pkg/types"
)

// minNotionalUSDT is the smallest position the exchange will accept.
const minNotionalUSDT = 5.0

// ExchangeClient is the slice of the exchange client the coordinator
// needs. Narrow on purpose: tests drive the full open/close flow with an
// in-memory fake.
type ExchangeClient interface {
	GetInstrumentSpec(ctx context.Context, category types.Category, symbol string) (types.InstrumentSpec, bool)
	SetLeverage(ctx context.Context, category types.Category, symbol string, leverage int) bool
	PlaceMarketOrder(ctx context.Context, category types.Category, symbol string, side types.Side, qty, tp, sl string, positionIdx int) string
	GetPosition(ctx context.Context, category types.Category, symbol string) *types.Position
	GetOrderHistory(ctx context.Context, category types.Category, symbol string, limit int) []types.HistoricalOrder
	GetWalletBalance(ctx context.Context, accountType string) float64
}

// Store is the persistence surface the coordinator uses.
type Store interface {
	SaveOrder(o *store.OrderRecord) (int64, error)
	MarkOrderClosed(id int64, status types.OrderStatus, closePrice, pnl, pnlPercent float64, reason types.CloseReason, closedAt time.Time) error
	GetOpenOrders(pair string) ([]store.OrderRecord, error)
	SaveSignal(r *store.SignalRecord) (int64, error)
	MarkSignalExecuted(id int64) error
	CalculateAndSaveDailyStats(date string) error
}

// Notifier is the outbound-message surface.
type Notifier interface {
	Signal(result types.SignalResult)
	TradeOpened(o *store.OrderRecord)
	TradeClosed(o *store.OrderRecord)
	Error(context string, err error)
}

// BufferResetter lets the coordinator restart a strategy's windows after a
// position opens.
type BufferResetter interface {
	ResetBuffers(ctx context.Context)
}

// Coordinator owns the open-position map and the full position lifecycle.
type Coordinator struct {
	cfg      *config.Config
	client   ExchangeClient
	db       Store
	notifier Notifier
	breaker  *risk.Breaker
	tracker  *Tracker
	logger   *slog.Logger

	mu            sync.Mutex
	openPositions map[string]*store.OrderRecord // strategy name -> open order
	resetters     map[string]BufferResetter

	totalTrades   atomic.Int64
	winningTrades atomic.Int64
}

// NewCoordinator wires the lifecycle coordinator. The tracker is created
// here so its terminal transitions flow back through the same close path.
func NewCoordinator(cfg *config.Config, client ExchangeClient, db Store, notifier Notifier, breaker *risk.Breaker, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:           cfg,
		client:        client,
		db:            db,
		notifier:      notifier,
		breaker:       breaker,
		logger:        logger.With("component", "coordinator"),
		openPositions: make(map[string]*store.OrderRecord),
		resetters:     make(map[string]BufferResetter),
	}
	c.tracker = NewTracker(client, c, logger)
	return c
}

// Tracker returns the order tracker owned by this coordinator.
func (c *Coordinator) Tracker() *Tracker { return c.tracker }

// RegisterResetter attaches a strategy's buffer reset hook.
func (c *Coordinator) RegisterResetter(strategy string, r BufferResetter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetters[strategy] = r
}

// RestoreOpenPositions reloads OPEN orders from the store after a restart,
// rebuilding the position map and re-arming the tracker.
func (c *Coordinator) RestoreOpenPositions(ctx context.Context) error {
	orders, err := c.db.GetOpenOrders("")
	if err != nil {
		return fmt.Errorf("restore open positions: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range orders {
		o := orders[i]
		if _, exists := c.openPositions[o.Strategy]; exists {
			c.logger.Warn("duplicate open order for strategy, keeping first", "strategy", o.Strategy, "order_id", o.OrderID)
			continue
		}
		c.openPositions[o.Strategy] = &o
		c.tracker.Track(&o)
	}
	if len(orders) > 0 {
		c.logger.Info("open positions restored", "count", len(c.openPositions))
	}
	return nil
}

// ExecuteSignal runs the open flow for one fired signal. Every refusal is
// logged and leaves the persisted SignalRecord unexecuted; only a placed
// order flips it.
func (c *Coordinator) ExecuteSignal(ctx context.Context, result types.SignalResult) {
	strat, ok := c.cfg.Strategies[result.Strategy]
	if !ok {
		c.logger.Error("signal from unknown strategy", "strategy", result.Strategy)
		return
	}

	c.notifier.Signal(result)

	pair := result.TradePair
	if pair == "" && len(strat.TradePairs) > 0 {
		pair = strat.TradePairs[0]
	}

	rec := &store.SignalRecord{
		Strategy:     result.Strategy,
		Signal:       result.Signal,
		Pair:         pair,
		Action:       result.Action,
		IndexChange:  result.IndexChange,
		TargetChange: result.TargetChange,
		TargetPrice:  result.TargetPrice,
		Executed:     false,
		CreatedAt:    result.At,
	}
	sigID, err := c.db.SaveSignal(rec)
	if err != nil {
		c.logger.Error("save signal failed", "error", err)
	}

	if !result.SlippageOK {
		c.logger.Warn("signal refused: slippage too high", "strategy", result.Strategy, "pair", pair)
		return
	}

	if !c.breaker.Allowed() {
		err := fmt.Errorf("stop-loss streak %d reached cap %d", c.breaker.Streak(), c.breaker.Cap())
		c.logger.Warn("signal refused: circuit breaker open", "strategy", result.Strategy, "error", err)
		c.notifier.Error("trading halted", err)
		return
	}

	c.mu.Lock()
	_, hasPosition := c.openPositions[result.Strategy]
	c.mu.Unlock()
	if hasPosition {
		c.logger.Info("signal refused: position already open", "strategy", result.Strategy)
		return
	}

	balance := c.client.GetWalletBalance(ctx, "UNIFIED")
	if balance <= 0 {
		c.logger.Warn("signal refused: no wallet balance", "strategy", result.Strategy)
		return
	}

	notional := strat.PositionSize
	if notional < minNotionalUSDT {
		c.logger.Warn("signal refused: position size below exchange minimum",
			"strategy", result.Strategy, "position_size", notional)
		return
	}

	category := strat.CategoryFor(pair)
	entryRef := result.TargetPrice
	if entryRef <= 0 {
		c.logger.Warn("signal refused: no reference price", "strategy", result.Strategy, "pair", pair)
		return
	}

	var rawTP, rawSL float64
	if result.Action == types.Buy {
		rawTP = entryRef * (1 + strat.StopTakePercent)
		rawSL = entryRef * (1 - strat.StopTakePercent)
	} else {
		rawTP = entryRef * (1 - strat.StopTakePercent)
		rawSL = entryRef * (1 + strat.StopTakePercent)
	}

	spec, ok := c.client.GetInstrumentSpec(ctx, category, pair)
	if !ok {
		spec = types.DefaultInstrumentSpec()
		c.logger.Warn("instrument spec unavailable, using defaults", "pair", pair)
	}
	norm, err := exchange.NormalizeOrder(result.Action, entryRef, notional, rawTP, rawSL, spec)
	if err != nil {
		c.logger.Warn("signal refused: normalization failed", "strategy", result.Strategy, "error", err)
		return
	}

	if category == types.CategoryLinear {
		c.client.SetLeverage(ctx, category, pair, strat.Leverage)
	}

	orderID := c.client.PlaceMarketOrder(ctx, category, pair, result.Action, norm.QtyStr, norm.TPStr, norm.SLStr, 0)
	if orderID == "" {
		c.logger.Error("order placement failed", "strategy", result.Strategy, "pair", pair)
		c.notifier.Error("order placement failed", fmt.Errorf("%s %s %s", result.Strategy, result.Action, pair))
		return
	}

	order := &store.OrderRecord{
		Strategy:   result.Strategy,
		Pair:       pair,
		OrderID:    orderID,
		Side:       result.Action,
		Qty:        norm.Qty,
		EntryPrice: entryRef,
		TakeProfit: norm.TakeProfit,
		StopLoss:   norm.StopLoss,
		Status:     types.OrderOpen,
		OpenedAt:   time.Now(),
	}
	if _, err := c.db.SaveOrder(order); err != nil {
		c.logger.Error("save order failed", "error", err, "order_id", orderID)
	}

	c.mu.Lock()
	c.openPositions[result.Strategy] = order
	resetter := c.resetters[result.Strategy]
	c.mu.Unlock()

	c.tracker.Track(order)
	c.totalTrades.Add(1)

	if sigID != 0 {
		if err := c.db.MarkSignalExecuted(sigID); err != nil {
			c.logger.Error("mark signal executed failed", "error", err)
		}
	}

	c.logger.Info("position opened",
		"strategy", result.Strategy,
		"pair", pair,
		"side", result.Action,
		"qty", norm.QtyStr,
		"entry_ref", entryRef,
		"tp", norm.TPStr,
		"sl", norm.SLStr,
		"order_id", orderID,
	)
	c.notifier.TradeOpened(order)

	if resetter != nil {
		resetter.ResetBuffers(ctx)
	}
}

// CheckPositions polls the exchange for each open position and reconciles
// the ones it no longer reports. Called from the main loop.
func (c *Coordinator) CheckPositions(ctx context.Context) {
	c.mu.Lock()
	open := make([]*store.OrderRecord, 0, len(c.openPositions))
	for _, o := range c.openPositions {
		open = append(open, o)
	}
	c.mu.Unlock()

	for _, o := range open {
		strat, ok := c.cfg.Strategies[o.Strategy]
		if !ok {
			continue
		}
		category := strat.CategoryFor(o.Pair)
		if pos := c.client.GetPosition(ctx, category, o.Pair); pos != nil {
			continue // still open on the exchange
		}

		closePrice, reason := c.reconcileClose(ctx, category, o)
		c.closePosition(ctx, o, closePrice, reason)
	}
}

// reconcileClose looks the order up in exchange history to find the exit
// price. No matching record means the close is unexplainable from here:
// reason UNKNOWN, P&L computed against the last known entry price.
func (c *Coordinator) reconcileClose(ctx context.Context, category types.Category, o *store.OrderRecord) (float64, types.CloseReason) {
	history := c.client.GetOrderHistory(ctx, category, o.Pair, 10)
	for _, h := range history {
		if h.OrderID == o.OrderID {
			return h.AvgPrice, inferCloseReason(o, h.AvgPrice)
		}
	}
	c.logger.Warn("no history record for closed position", "order_id", o.OrderID, "pair", o.Pair)
	return o.EntryPrice, types.CloseUnknown
}

// inferCloseReason classifies an exit price against the order's bracket,
// side-aware: a Buy takes profit upward and stops out downward, a Sell the
// reverse.
func inferCloseReason(o *store.OrderRecord, closePrice float64) types.CloseReason {
	if o.Side == types.Buy {
		switch {
		case closePrice >= o.TakeProfit:
			return types.CloseTakeProfit
		case closePrice <= o.StopLoss:
			return types.CloseStopLoss
		}
	} else {
		switch {
		case closePrice <= o.TakeProfit:
			return types.CloseTakeProfit
		case closePrice >= o.StopLoss:
			return types.CloseStopLoss
		}
	}
	return types.CloseManual
}

// computePnl returns realized P&L in USDT and percent of entry notional.
func computePnl(o *store.OrderRecord, closePrice float64) (pnl, pnlPercent float64) {
	if o.Side == types.Buy {
		pnl = (closePrice - o.EntryPrice) * o.Qty
	} else {
		pnl = (o.EntryPrice - closePrice) * o.Qty
	}
	if notional := o.EntryPrice * o.Qty; notional > 0 {
		pnlPercent = pnl / notional * 100
	}
	return pnl, pnlPercent
}

// closePosition finalizes one close: persist, drop from the position map
// and tracker, feed the breaker, refresh daily stats, notify. Idempotent:
// a position already removed (closed by the other detection path) is
// skipped.
func (c *Coordinator) closePosition(ctx context.Context, o *store.OrderRecord, closePrice float64, reason types.CloseReason) {
	c.mu.Lock()
	current, stillOpen := c.openPositions[o.Strategy]
	if !stillOpen || current.OrderID != o.OrderID {
		c.mu.Unlock()
		return
	}
	delete(c.openPositions, o.Strategy)
	c.mu.Unlock()

	c.tracker.Untrack(o.OrderID)

	pnl, pnlPercent := computePnl(o, closePrice)
	now := time.Now()

	o.Status = types.OrderClosed
	o.ClosedAt = now
	o.ClosePrice = closePrice
	o.Pnl = pnl
	o.PnlPercent = pnlPercent
	o.CloseReason = reason

	if err := c.db.MarkOrderClosed(o.ID, types.OrderClosed, closePrice, pnl, pnlPercent, reason, now); err != nil {
		c.logger.Error("persist close failed", "error", err, "order_id", o.OrderID)
	}
	if err := c.db.CalculateAndSaveDailyStats(""); err != nil {
		c.logger.Error("daily stats update failed", "error", err)
	}

	if pnl > 0 {
		c.winningTrades.Add(1)
	}
	c.breaker.RecordClose(pnl, reason)

	c.logger.Info("position closed",
		"strategy", o.Strategy,
		"pair", o.Pair,
		"reason", reason,
		"close_price", closePrice,
		"pnl", pnl,
		"pnl_percent", pnlPercent,
	)
	c.notifier.TradeClosed(o)
}

// cancelPosition handles a Cancelled terminal status from the tracker: the
// order never became a position, so no P&L and no breaker update.
func (c *Coordinator) cancelPosition(o *store.OrderRecord) {
	c.mu.Lock()
	current, stillOpen := c.openPositions[o.Strategy]
	if stillOpen && current.OrderID == o.OrderID {
		delete(c.openPositions, o.Strategy)
	}
	c.mu.Unlock()

	c.tracker.Untrack(o.OrderID)

	o.Status = types.OrderCancelled
	now := time.Now()
	o.ClosedAt = now
	if err := c.db.MarkOrderClosed(o.ID, types.OrderCancelled, 0, 0, 0, "", now); err != nil {
		c.logger.Error("persist cancel failed", "error", err, "order_id", o.OrderID)
	}
	c.logger.Info("order cancelled", "strategy", o.Strategy, "order_id", o.OrderID)
}

// HasPosition reports whether a strategy currently holds an open position.
func (c *Coordinator) HasPosition(strategy string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.openPositions[strategy]
	return ok
}

// OpenPositionCount returns the number of open positions.
func (c *Coordinator) OpenPositionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.openPositions)
}

// WinRate returns the percent of opened trades that closed profitably.
func (c *Coordinator) WinRate() float64 {
	total := c.totalTrades.Load()
	if total == 0 {
		return 0
	}
	return float64(c.winningTrades.Load()) / float64(total) * 100
}

// Stats returns diagnostic counters for the status log.
func (c *Coordinator) Stats() map[string]any {
	return map[string]any{
		"open_positions": c.OpenPositionCount(),
		"total_trades":   c.totalTrades.Load(),
		"winning_trades": c.winningTrades.Load(),
		"win_rate":       c.WinRate(),
		"sl_streak":      c.breaker.Streak(),
	}
}
