// Package strategy implements the multi-signal correlation engine.
//
// A Strategy watches one or more signals. Each signal pairs an index symbol
// (the mover) with the strategy's trade pairs (the followers) on a single
// timeframe. Rolling buffers of closes are kept per (signal, symbol); on
// every confirmed bar the trigger compares the index move against the pair
// move over the buffer window and, when the index has moved past its
// threshold while the pair has not, emits a SignalResult for the position
// coordinator.
//
// The engine never opens positions. It evaluates, filters (direction,
// inversion, slippage), and hands results to the callback it was built
// with.
package strategy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bybit-correlation-bot/internal/config"
	"bybit-correlation-bot/internal/marketdata"
	"bybit-correlation-bot/pkg/types"
)

// MarketClient is the slice of the exchange client the engine needs:
// history for preload and tickers for the slippage check.
type MarketClient interface {
	GetKlines(ctx context.Context, category types.Category, symbol string, tf types.Timeframe, limit int) []types.Bar
	GetTicker(ctx context.Context, category types.Category, symbol string) *types.Ticker
}

// EmitFunc receives every signal the strategy fires.
type EmitFunc func(ctx context.Context, result types.SignalResult)

type bufferKey struct {
	signal string
	symbol string
}

// Strategy holds the buffers and trigger state for one configured strategy.
type Strategy struct {
	cfg    *config.StrategyConfig
	client MarketClient
	emit   EmitFunc
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[bufferKey]*Ring

	barsSeen       atomic.Int64
	signalsEmitted atomic.Int64
}

// New creates a strategy engine. emit is invoked from the strategy's own
// goroutine, one call at a time.
func New(cfg *config.StrategyConfig, client MarketClient, emit EmitFunc, logger *slog.Logger) *Strategy {
	s := &Strategy{
		cfg:     cfg,
		client:  client,
		emit:    emit,
		logger:  logger.With("component", "strategy", "strategy", cfg.Name),
		buffers: make(map[bufferKey]*Ring),
	}
	for sigName, sig := range cfg.Signals {
		capacity := windowSize(sig.TickWindow)
		for _, symbol := range watchedSymbols(cfg, sig) {
			s.buffers[bufferKey{signal: sigName, symbol: symbol}] = NewRing(capacity)
		}
	}
	return s
}

// Name returns the strategy's configured name.
func (s *Strategy) Name() string { return s.cfg.Name }

// windowSize is the trigger's required buffer length: tick-window 0 means
// "compare the last two confirmed closes".
func windowSize(tickWindow int) int {
	if tickWindow < 2 {
		return 2
	}
	return tickWindow
}

// watchedSymbols returns the distinct symbols one signal needs buffers
// for: the index plus the pairs it may trade.
func watchedSymbols(cfg *config.StrategyConfig, sig *config.SignalConfig) []string {
	pairs := tradePairs(cfg, sig)
	seen := map[string]bool{sig.Index: true}
	out := []string{sig.Index}
	for _, p := range pairs {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// tradePairs resolves the pair set for a signal: its own override, or the
// strategy-wide list.
func tradePairs(cfg *config.StrategyConfig, sig *config.SignalConfig) []string {
	if len(sig.TargetPairs) > 0 {
		return sig.TargetPairs
	}
	return cfg.TradePairs
}

// PreloadHistory seeds every buffer from REST klines so the trigger can
// fire on the first live bar. With a positive tick window the window is
// filled with all confirmed closes; with tick window 0 only the last
// confirmed close is seeded (the live bar supplies the second endpoint).
// The most recent kline is always excluded as still-forming.
func (s *Strategy) PreloadHistory(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sigName, sig := range s.cfg.Signals {
		n := windowSize(sig.TickWindow)
		for _, symbol := range watchedSymbols(s.cfg, sig) {
			bars := s.client.GetKlines(ctx, s.cfg.CategoryFor(symbol), symbol, sig.Timeframe, n)
			if len(bars) < 2 {
				s.logger.Warn("not enough history to preload", "signal", sigName, "symbol", symbol, "bars", len(bars))
				continue
			}
			buf := s.buffers[bufferKey{signal: sigName, symbol: symbol}]
			if sig.TickWindow > 0 {
				for _, bar := range bars[:len(bars)-1] {
					buf.Append(bar.Close)
				}
			} else {
				buf.Append(bars[len(bars)-2].Close)
			}
		}
	}
	s.logger.Info("history preloaded", "buffers", len(s.buffers))
}

// ResetBuffers clears all buffers and re-seeds them from history. The
// coordinator calls this after a position opens so the next trigger starts
// from a fresh window.
func (s *Strategy) ResetBuffers(ctx context.Context) {
	s.mu.Lock()
	for _, buf := range s.buffers {
		buf.Reset()
	}
	s.mu.Unlock()
	s.PreloadHistory(ctx)
}

// Run consumes confirmed bars from the fan-out until ctx is cancelled.
// A panic in bar handling (including the emit callback) is recovered and
// logged so one bad evaluation cannot take the strategy down.
func (s *Strategy) Run(ctx context.Context, events <-chan marketdata.Event) {
	s.logger.Info("strategy running", "signals", len(s.cfg.Signals), "pairs", s.cfg.TradePairs)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			s.handleBar(ctx, evt)
		}
	}
}

func (s *Strategy) handleBar(ctx context.Context, evt marketdata.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("bar handler panicked", "symbol", evt.Symbol, "panic", r)
		}
	}()
	s.OnBar(ctx, evt.Symbol, evt.Frame, evt.Bar)
}

// OnBar appends a confirmed close to every matching buffer and evaluates
// the trigger for each signal the bar touched. The buffer lock is held
// only across the append and endpoint capture; ticker I/O and emission run
// lock-free.
func (s *Strategy) OnBar(ctx context.Context, symbol, frame string, bar types.Bar) {
	if !bar.Confirmed {
		return
	}
	s.barsSeen.Add(1)

	var candidates []candidate
	s.mu.Lock()
	for sigName, sig := range s.cfg.Signals {
		if sig.Timeframe.Raw != frame {
			continue
		}
		buf, ok := s.buffers[bufferKey{signal: sigName, symbol: symbol}]
		if !ok {
			continue
		}
		buf.Append(bar.Close)
		candidates = append(candidates, s.evaluateLocked(sigName, sig)...)
	}
	s.mu.Unlock()

	for _, c := range candidates {
		s.finishAndEmit(ctx, c)
	}
}

// candidate is a trigger decision captured under the lock, pending the
// slippage check.
type candidate struct {
	signal       string
	sig          *config.SignalConfig
	tradePair    string
	action       types.Side
	indexChange  float64
	targetChange float64
	lastClose    float64 // newest close of the trade pair buffer
}

// evaluateLocked runs the trigger for one signal against each of its trade
// pairs. Pure with respect to the buffers: the same windows always produce
// the same decisions.
func (s *Strategy) evaluateLocked(sigName string, sig *config.SignalConfig) []candidate {
	need := windowSize(sig.TickWindow)
	idx, ok := s.buffers[bufferKey{signal: sigName, symbol: sig.Index}]
	if !ok || idx.Len() < need {
		return nil
	}
	i0, i1 := idx.First(), idx.Last()
	if i0 == 0 {
		return nil
	}
	indexChange := (i1 - i0) / i0 * 100

	// Gate: index magnitude.
	if abs(indexChange) < sig.IndexChangeThreshold {
		return nil
	}
	// Gate: signal-level direction.
	if sig.Direction == 1 && indexChange < 0 {
		return nil
	}
	if sig.Direction == -1 && indexChange > 0 {
		return nil
	}

	var out []candidate
	for _, pair := range tradePairs(s.cfg, sig) {
		buf, ok := s.buffers[bufferKey{signal: sigName, symbol: pair}]
		if !ok || buf.Len() < need {
			continue
		}
		t0, t1 := buf.First(), buf.Last()
		if t0 == 0 {
			continue
		}
		targetChange := (t1 - t0) / t0 * 100

		// Gate: the pair must not have moved past its cap already.
		if abs(targetChange) >= sig.Target {
			continue
		}
		// Gate: index and pair must move the same way.
		if sign(indexChange) != sign(targetChange) {
			continue
		}

		action := types.Buy
		if indexChange < 0 {
			action = types.Sell
		}
		if sig.Reverse == 1 {
			action = action.Opposite()
		}
		// Gate: strategy-level direction applies to the final action.
		if s.cfg.Direction == 1 && action != types.Buy {
			continue
		}
		if s.cfg.Direction == -1 && action != types.Sell {
			continue
		}

		out = append(out, candidate{
			signal:       sigName,
			sig:          sig,
			tradePair:    pair,
			action:       action,
			indexChange:  indexChange,
			targetChange: targetChange,
			lastClose:    t1,
		})
	}
	return out
}

// finishAndEmit runs the slippage check against the live price and hands
// the result to the coordinator. A missing reference price passes the
// check: with no quote to compare against there is nothing to veto on.
func (s *Strategy) finishAndEmit(ctx context.Context, c candidate) {
	slippageOK := true
	refPrice := c.lastClose

	if t := s.client.GetTicker(ctx, s.cfg.CategoryFor(c.tradePair), c.tradePair); t != nil && t.LastPrice > 0 {
		refPrice = t.LastPrice
		slippage := abs(t.LastPrice-c.lastClose) / c.lastClose * 100
		slippageOK = slippage <= s.cfg.PriceChangeThreshold
	}

	result := types.SignalResult{
		Strategy:     s.cfg.Name,
		Signal:       c.signal,
		Action:       c.action,
		IndexSymbol:  c.sig.Index,
		TradePair:    c.tradePair,
		IndexChange:  c.indexChange,
		TargetChange: c.targetChange,
		TargetPrice:  refPrice,
		SlippageOK:   slippageOK,
		At:           time.Now(),
	}

	s.signalsEmitted.Add(1)
	s.logger.Info("signal fired",
		"signal", c.signal,
		"action", c.action,
		"pair", c.tradePair,
		"index_change", c.indexChange,
		"target_change", c.targetChange,
		"slippage_ok", slippageOK,
	)
	s.emit(ctx, result)
}

// Stats returns diagnostic counters for the status log.
func (s *Strategy) Stats() map[string]any {
	s.mu.Lock()
	buffers := len(s.buffers)
	s.mu.Unlock()
	return map[string]any{
		"bars_seen":       s.barsSeen.Load(),
		"signals_emitted": s.signalsEmitted.Load(),
		"buffers":         buffers,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
