// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — bars, timeframes,
// instrument specifications, signal results, and order lifecycle enums.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"fmt"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order, spelled the way the Bybit v5
// API expects it in request bodies.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Category is the Bybit v5 product category a symbol trades under.
type Category string

const (
	CategorySpot   Category = "spot"
	CategoryLinear Category = "linear" // USDT perpetual
)

// OrderStatus enumerates the lifecycle states of a tracked order.
// PENDING covers an order submitted to the exchange whose fill is not
// yet confirmed; market orders fill synchronously, so stored rows start
// at OPEN.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderOpen      OrderStatus = "OPEN"
	OrderClosed    OrderStatus = "CLOSED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// CloseReason classifies why a position closed. TP and SL are inferred by
// comparing the exit price to the recorded take-profit / stop-loss levels;
// MANUAL covers exits between the two; UNKNOWN means the exchange history
// held no matching order to reconcile against.
type CloseReason string

const (
	CloseTakeProfit CloseReason = "TP"
	CloseStopLoss   CloseReason = "SL"
	CloseManual     CloseReason = "MANUAL"
	CloseUnknown    CloseReason = "UNKNOWN"
)

// ————————————————————————————————————————————————————————————————————————
// Timeframes
// ————————————————————————————————————————————————————————————————————————

// TimeframeUnit tags the parsed form of a timeframe token.
type TimeframeUnit int

const (
	UnitSeconds TimeframeUnit = iota
	UnitMinutes
	UnitDay
	UnitWeek
	UnitMonth
)

// Timeframe is a bar interval parsed once at config load. The raw token
// ("1s", "5", "D", ...) is kept for WS topics and map keys; the unit tag
// decides the data source: second-scale frames have no native kline stream
// on Bybit, so they are served by REST ticker polling instead of WebSocket.
type Timeframe struct {
	Raw  string
	Unit TimeframeUnit
	N    int // count of Unit for seconds/minutes frames, 0 otherwise
}

var minuteFrames = map[string]int{
	"1": 1, "3": 3, "5": 5, "15": 15, "30": 30,
	"60": 60, "120": 120, "240": 240, "360": 360, "720": 720,
}

var secondFrames = map[string]int{
	"1s": 1, "3s": 3, "5s": 5, "10s": 10, "15s": 15, "30s": 30,
}

// ParseTimeframe validates and parses a timeframe token. Accepted tokens:
// 1s 3s 5s 10s 15s 30s (seconds), 1 3 5 15 30 60 120 240 360 720 (minutes),
// D W M (day/week/month).
func ParseTimeframe(raw string) (Timeframe, error) {
	if n, ok := secondFrames[raw]; ok {
		return Timeframe{Raw: raw, Unit: UnitSeconds, N: n}, nil
	}
	if n, ok := minuteFrames[raw]; ok {
		return Timeframe{Raw: raw, Unit: UnitMinutes, N: n}, nil
	}
	switch raw {
	case "D":
		return Timeframe{Raw: raw, Unit: UnitDay}, nil
	case "W":
		return Timeframe{Raw: raw, Unit: UnitWeek}, nil
	case "M":
		return Timeframe{Raw: raw, Unit: UnitMonth}, nil
	}
	return Timeframe{}, fmt.Errorf("invalid timeframe %q", raw)
}

// IsPolling reports whether this frame is served by REST ticker polling
// rather than the kline WebSocket stream.
func (t Timeframe) IsPolling() bool {
	return t.Unit == UnitSeconds
}

// Seconds returns the frame length in seconds. Months use the 30-day
// convention the exchange applies to the "M" interval.
func (t Timeframe) Seconds() int64 {
	switch t.Unit {
	case UnitSeconds:
		return int64(t.N)
	case UnitMinutes:
		return int64(t.N) * 60
	case UnitDay:
		return 86400
	case UnitWeek:
		return 604800
	case UnitMonth:
		return 2592000
	}
	return 60
}

// Duration returns the frame length as a time.Duration.
func (t Timeframe) Duration() time.Duration {
	return time.Duration(t.Seconds()) * time.Second
}

// String returns the raw token, which doubles as the WS topic interval.
func (t Timeframe) String() string { return t.Raw }

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Bar is one OHLCV candle. Confirmed is true once the interval has closed;
// only confirmed bars reach strategies. Bars synthesized from ticker polls
// carry the last price in all four OHLC fields and are always confirmed.
type Bar struct {
	StartTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Confirmed bool
}

// Ticker is the subset of the Bybit v5 ticker payload the bot consumes.
type Ticker struct {
	Symbol    string
	LastPrice float64
	Volume24h float64
}

// InstrumentSpec holds the trading constraints for one symbol, fetched from
// the instruments-info endpoint and cached with a TTL. Callers fall back to
// DefaultInstrumentSpec when the lookup fails.
type InstrumentSpec struct {
	QtyStep     float64 // order quantity granularity
	MinOrderQty float64 // minimum order quantity
	TickSize    float64 // price granularity
	MinNotional float64 // minimum order value in quote currency
}

// DefaultInstrumentSpec is the conservative fallback applied when the
// instruments endpoint is unavailable.
func DefaultInstrumentSpec() InstrumentSpec {
	return InstrumentSpec{
		QtyStep:     1,
		MinOrderQty: 1,
		TickSize:    0.0001,
		MinNotional: 5,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalResult is emitted by a strategy when its trigger fires on a
// confirmed index bar. It carries everything the coordinator needs to
// decide on and place a trade.
type SignalResult struct {
	Strategy     string
	Signal       string
	Action       Side
	IndexSymbol  string
	TradePair    string
	IndexChange  float64 // percent move of the index over its window
	TargetChange float64 // percent move of the trade pair over the same window
	TargetPrice  float64 // current reference price of the trade pair
	SlippageOK   bool    // live price within the configured band of the last close
	At           time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Exchange account state
// ————————————————————————————————————————————————————————————————————————

// Position is a live position as reported by the position endpoint.
// Size 0 means flat.
type Position struct {
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
	MarkPrice  float64
	UnrealPnl  float64
}

// HistoricalOrder is one row of the order-history endpoint, used for close
// reconciliation and order tracking.
type HistoricalOrder struct {
	OrderID     string
	Symbol      string
	Side        Side
	Status      string // "Filled", "Cancelled", ...
	AvgPrice    float64
	Qty         float64
	CreatedTime time.Time
}
