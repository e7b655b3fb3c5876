// Bybit Correlation Bot — an automated trading bot that opens positions in
// illiquid target pairs when a leading index symbol moves sharply.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires feeds → strategies → coordinator, runs the main loop
//	marketdata/fanout.go  — deduplicated bar feeds: one WS stream or poll task per (symbol, frame, category)
//	strategy/engine.go    — correlation evaluation: index-move threshold, lag gates, slippage check
//	strategy/buffers.go   — fixed-capacity close-price rings per (signal, symbol)
//	trading/coordinator   — signal → position lifecycle: normalize, place, persist, reconcile closes
//	trading/tracker.go    — polls order history and applies fills/cancellations
//	risk/breaker.go       — consecutive stop-loss circuit breaker with 24h auto-reset
//	exchange/client.go    — Bybit v5 REST client (klines, tickers, orders, positions, balance)
//	exchange/ws.go        — Bybit v5 public kline WebSocket with auto-reconnect
//	store/store.go        — SQLite persistence for orders, signals, and daily stats
//	stats/monitor.go      — rolling trade summaries and the post-midnight daily digest
//	notify/telegram.go    — Telegram notifications for signals, trades, and errors
//
// How it trades:
//
//	Each strategy watches an index symbol (e.g. BTCUSDT) on a short timeframe.
//	When the index moves more than its threshold while a correlated target
//	pair has not yet followed, the bot opens a market position in the target
//	with a bracketing take-profit and stop-loss, expecting the laggard to
//	catch up. A run of consecutive stop-losses halts trading until reset.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bybit-correlation-bot/internal/config"
	"bybit-correlation-bot/internal/engine"
	"bybit-correlation-bot/internal/logging"
)

func main() {
	// Load config
	cfgPath := "config/config.json"
	if p := os.Getenv("BOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger (console + rotating files)
	logger, err := logging.Setup(cfg.Global.LoggingLevel, cfg.Global.LogFormat, cfg.Global.LogDir)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}

	// Create and start engine
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.API.DemoMode {
		logger.Warn("DEMO MODE — orders go to the demo trading environment")
	}

	logger.Info("bybit correlation bot started",
		"strategies", len(cfg.EnabledStrategies()),
		"max_stop_loss_trades", cfg.Global.MaxStopLossTrades,
		"testnet", cfg.API.Testnet,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}
