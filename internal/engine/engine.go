// Package engine is the central orchestrator of the correlation trading bot.
//
// It wires together all subsystems:
//
//  1. The market-data fanout opens one feed per distinct (symbol, timeframe,
//     category) key and fans confirmed bars out to every strategy that wants
//     them.
//  2. Each enabled strategy runs in its own goroutine, evaluating correlation
//     signals over its price buffers and emitting trade signals.
//  3. The trading coordinator turns signals into exchange positions, guarded
//     by the stop-loss circuit breaker, and owns the close lifecycle.
//  4. The order tracker polls exchange order history and routes fills and
//     cancellations through the coordinator.
//  5. The main loop polls open positions, drives the circuit breaker's
//     auto-reset, and fires the post-midnight daily report.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"bybit-correlation-bot/internal/config"
	"bybit-correlation-bot/internal/exchange"
	"bybit-correlation-bot/internal/marketdata"
	"bybit-correlation-bot/internal/notify"
	"bybit-correlation-bot/internal/risk"
	"bybit-correlation-bot/internal/stats"
	"bybit-correlation-bot/internal/store"
	"bybit-correlation-bot/internal/strategy"
	"bybit-correlation-bot/internal/trading"
	"bybit-correlation-bot/pkg/types"
)

const (
	cycleInterval  = time.Second
	haltBackoff    = 300 * time.Second
	panicBackoff   = 10 * time.Second
	statusEveryNth = 60 // cycles between status log lines
)

// strategySlot pairs a running strategy with the config it was built from.
type strategySlot struct {
	cfg   *config.StrategyConfig
	strat *strategy.Strategy
}

// Engine orchestrates all components. It owns the lifecycle of all
// goroutines.
type Engine struct {
	cfg         *config.Config
	client      *exchange.Client
	fanout      *marketdata.Fanout
	db          *store.Store
	notifier    *notify.Notifier
	breaker     *risk.Breaker
	coordinator *trading.Coordinator
	monitor     *stats.Monitor
	slots       []*strategySlot
	logger      *slog.Logger

	cycles int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	client := exchange.NewClient(cfg.API, logger)

	db, err := store.Open(cfg.Global.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	notifier := notify.New(cfg.Telegram, logger)
	breaker := risk.NewBreaker(cfg.Global.MaxStopLossTrades, logger)
	coordinator := trading.NewCoordinator(cfg, client, db, notifier, breaker, logger)

	stateFile := filepath.Join(filepath.Dir(cfg.Global.DatabasePath), "last_report")
	monitor := stats.NewMonitor(db, stateFile, logger)

	wsBase := exchange.WSBaseURL(cfg.API)
	fanout := marketdata.New(client, func(category types.Category, symbol string, tf types.Timeframe) marketdata.BarSource {
		return exchange.NewKlineStream(wsBase, category, symbol, tf, logger)
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		client:      client,
		fanout:      fanout,
		db:          db,
		notifier:    notifier,
		breaker:     breaker,
		coordinator: coordinator,
		monitor:     monitor,
		logger:      logger.With("component", "engine"),
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, sc := range cfg.EnabledStrategies() {
		strat := strategy.New(sc, client, coordinator.ExecuteSignal, logger)
		e.slots = append(e.slots, &strategySlot{cfg: sc, strat: strat})
	}
	return e, nil
}

// Start restores persisted state, preloads strategy history, and launches
// all background goroutines: strategies, feeds, the order tracker, and the
// main loop.
func (e *Engine) Start() error {
	if err := e.coordinator.RestoreOpenPositions(e.ctx); err != nil {
		return err
	}

	for _, slot := range e.slots {
		slot.strat.PreloadHistory(e.ctx)
		e.coordinator.RegisterResetter(slot.strat.Name(), slot.strat)

		events := e.fanout.Register(slot.cfg)
		strat := slot.strat
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			strat.Run(e.ctx, events)
		}()
		e.logger.Info("strategy started",
			"strategy", strat.Name(),
			"pairs", slot.cfg.TradePairs,
			"signals", len(slot.cfg.Signals),
		)
	}

	e.fanout.Start(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.coordinator.Tracker().Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.mainLoop()
	}()

	e.logger.Info("engine started", "strategies", len(e.slots), "keys", len(e.fanout.Keys()))
	return nil
}

// Stop gracefully shuts down: cancels all goroutines, waits for them,
// logs a final trading report, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.fanout.Stop()
	e.wg.Wait()

	if report, err := e.monitor.ComprehensiveReport(); err != nil {
		e.logger.Error("final report failed", "error", err)
	} else {
		e.logger.Info("final report\n" + stats.FormatReport(report))
	}

	if err := e.db.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// mainLoop is the supervisory loop: position polling, circuit breaker
// housekeeping, periodic status lines, and the daily report trigger.
func (e *Engine) mainLoop() {
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.cycle()
		}
	}
}

// cycle runs one supervisory pass. A panic in any step is contained here:
// logged, reported, and followed by a cool-off so a persistent fault can't
// spin the loop.
func (e *Engine) cycle() {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%v", r)
			e.logger.Error("main loop panic", "error", err)
			e.notifier.Error("main loop panic", err)
			e.sleep(panicBackoff)
		}
	}()

	if !e.breaker.Allowed() {
		e.breaker.CheckAutoReset()
		if !e.breaker.Allowed() {
			e.logger.Warn("trading halted by circuit breaker",
				"streak", e.breaker.Streak(),
				"cap", e.breaker.Cap(),
			)
			e.sleep(haltBackoff)
			return
		}
	}

	e.coordinator.CheckPositions(e.ctx)
	e.breaker.CheckAutoReset()

	e.cycles++
	if e.cycles%statusEveryNth == 0 {
		e.logStatus()
	}

	if text, ok := e.monitor.MaybeDailyReport(); ok {
		e.notifier.DailyReport(text)
		e.monitor.MarkDailyReportSent()
	}
}

// sleep waits for d or until shutdown, whichever comes first.
func (e *Engine) sleep(d time.Duration) {
	select {
	case <-e.ctx.Done():
	case <-time.After(d):
	}
}

// logStatus emits one periodic status line aggregating subsystem counters.
func (e *Engine) logStatus() {
	attrs := []any{
		"strategies", len(e.slots),
		"streak", e.breaker.Streak(),
	}
	for k, v := range e.coordinator.Stats() {
		attrs = append(attrs, k, v)
	}
	for k, v := range e.fanout.Stats() {
		attrs = append(attrs, k, v)
	}
	for k, v := range e.client.Stats() {
		attrs = append(attrs, k, v)
	}
	for _, slot := range e.slots {
		for k, v := range slot.strat.Stats() {
			attrs = append(attrs, slot.strat.Name()+"_"+k, v)
		}
	}
	e.logger.Info("status", attrs...)
}
