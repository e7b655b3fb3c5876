// Package notify sends Telegram messages for trade and error events.
//
// The notifier is nil-safe: when Telegram is disabled in config, New
// returns a Notifier whose methods are no-ops, so call sites never need a
// guard. Each notification kind honors its own notify_* flag.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bybit-correlation-bot/internal/config"
	"bybit-correlation-bot/internal/store"
	"bybit-correlation-bot/pkg/types"
)

// Notifier posts messages to one Telegram chat. Send failures are logged
// and swallowed; notifications are best-effort.
type Notifier struct {
	cfg    config.TelegramConfig
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// New creates a notifier. With Telegram disabled (or an unreachable bot
// token) a disarmed notifier is returned and the bot trades silently.
func New(cfg config.TelegramConfig, logger *slog.Logger) *Notifier {
	n := &Notifier{cfg: cfg, logger: logger.With("component", "notify")}
	if !cfg.Enabled {
		return n
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		n.logger.Error("telegram init failed, notifications disabled", "error", err)
		return n
	}
	n.bot = bot
	n.logger.Info("telegram notifier ready", "bot", bot.Self.UserName)
	return n
}

func (n *Notifier) send(text string) {
	if n.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.cfg.ChatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("telegram send failed", "error", err)
	}
}

// Signal announces a fired signal (whether or not it gets executed).
func (n *Notifier) Signal(result types.SignalResult) {
	if !n.cfg.NotifySignals {
		return
	}
	n.send(fmt.Sprintf("📡 Signal %s/%s: %s %s (index %s %+.2f%%, target %+.2f%%)",
		result.Strategy, result.Signal, result.Action, result.TradePair,
		result.IndexSymbol, result.IndexChange, result.TargetChange))
}

// TradeOpened announces a newly opened position.
func (n *Notifier) TradeOpened(o *store.OrderRecord) {
	if !n.cfg.NotifyTrades {
		return
	}
	n.send(fmt.Sprintf("🟢 %s opened %s %s\nqty %.8g @ %.8g\nTP %.8g / SL %.8g",
		o.Strategy, o.Side, o.Pair, o.Qty, o.EntryPrice, o.TakeProfit, o.StopLoss))
}

// TradeClosed announces a closed position with its P&L.
func (n *Notifier) TradeClosed(o *store.OrderRecord) {
	if !n.cfg.NotifyTrades {
		return
	}
	icon := "🔴"
	if o.Pnl > 0 {
		icon = "💰"
	}
	n.send(fmt.Sprintf("%s %s closed %s %s (%s)\nexit %.8g, P&L %+.4f USDT (%+.2f%%)",
		icon, o.Strategy, o.Side, o.Pair, o.CloseReason, o.ClosePrice, o.Pnl, o.PnlPercent))
}

// Error reports an operational problem worth a human's attention.
func (n *Notifier) Error(context string, err error) {
	if !n.cfg.NotifyErrors {
		return
	}
	n.send(fmt.Sprintf("⚠️ %s: %v", context, err))
}

// DailyReport posts the formatted daily digest.
func (n *Notifier) DailyReport(text string) {
	if !n.cfg.NotifyDailyReport {
		return
	}
	n.send(text)
}
