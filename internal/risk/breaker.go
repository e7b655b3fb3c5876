// Package risk implements the consecutive-stop-loss circuit breaker.
//
// Every stop-loss close increments a streak counter shared across all
// strategies; a profitable close resets it. Once the streak reaches the
// configured cap, the coordinator refuses new entries until either a
// winning trade lands or 24 hours pass since the last stop-loss, at which
// point the streak resets automatically.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"bybit-correlation-bot/pkg/types"
)

// autoResetAfter is how long since the last stop-loss before the streak
// clears on its own.
const autoResetAfter = 24 * time.Hour

// Breaker tracks the stop-loss streak. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	streak    int
	lastSL    time.Time
	maxTrades int
	logger    *slog.Logger

	now func() time.Time // injectable clock for tests
}

// NewBreaker creates a breaker that trips at maxTrades consecutive
// stop-losses.
func NewBreaker(maxTrades int, logger *slog.Logger) *Breaker {
	return &Breaker{
		maxTrades: maxTrades,
		logger:    logger.With("component", "breaker"),
		now:       time.Now,
	}
}

// Allowed reports whether new entries may open. The 24 h auto-reset is
// applied first, so a stale streak never blocks trading.
func (b *Breaker) Allowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoResetLocked()
	return b.streak < b.maxTrades
}

// Streak returns the current consecutive-stop-loss count after applying
// the auto-reset.
func (b *Breaker) Streak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoResetLocked()
	return b.streak
}

// Cap returns the configured trip threshold.
func (b *Breaker) Cap() int { return b.maxTrades }

// RecordClose updates the streak for one closed position: a profitable
// close resets it, a stop-loss close increments it, and any other losing
// close leaves it untouched.
func (b *Breaker) RecordClose(pnl float64, reason types.CloseReason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case pnl > 0:
		if b.streak > 0 {
			b.logger.Info("profitable close, stop-loss streak reset", "previous", b.streak)
		}
		b.streak = 0
	case reason == types.CloseStopLoss:
		b.streak++
		b.lastSL = b.now()
		b.logger.Warn("stop-loss close recorded", "streak", b.streak, "cap", b.maxTrades)
	}
}

// CheckAutoReset applies the 24 h rule; the main loop calls this on its
// cadence so the streak clears even while no trades close.
func (b *Breaker) CheckAutoReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoResetLocked()
}

func (b *Breaker) autoResetLocked() {
	if b.streak > 0 && !b.lastSL.IsZero() && b.now().Sub(b.lastSL) > autoResetAfter {
		b.logger.Info("stop-loss streak auto-reset", "previous", b.streak, "last_sl", b.lastSL)
		b.streak = 0
	}
}
