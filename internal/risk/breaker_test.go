package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"bybit-correlation-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStreakTransitions(t *testing.T) {
	t.Parallel()
	b := NewBreaker(3, testLogger())

	// Losses that aren't stop-losses leave the streak alone.
	b.RecordClose(-1.0, types.CloseManual)
	if got := b.Streak(); got != 0 {
		t.Errorf("streak after manual loss = %d, want 0", got)
	}

	b.RecordClose(-1.0, types.CloseStopLoss)
	b.RecordClose(-1.0, types.CloseStopLoss)
	if got := b.Streak(); got != 2 {
		t.Errorf("streak after two stop-losses = %d, want 2", got)
	}
	if !b.Allowed() {
		t.Error("Allowed() = false below the cap")
	}

	b.RecordClose(-1.0, types.CloseStopLoss)
	if b.Allowed() {
		t.Error("Allowed() = true at the cap")
	}

	// A winning trade resets the streak and re-arms trading.
	b.RecordClose(0.5, types.CloseTakeProfit)
	if got := b.Streak(); got != 0 {
		t.Errorf("streak after profitable close = %d, want 0", got)
	}
	if !b.Allowed() {
		t.Error("Allowed() = false after reset")
	}
}

func TestAutoResetAfter24h(t *testing.T) {
	t.Parallel()
	b := NewBreaker(2, testLogger())

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }

	b.RecordClose(-1.0, types.CloseStopLoss)
	b.RecordClose(-1.0, types.CloseStopLoss)
	if b.Allowed() {
		t.Fatal("Allowed() = true at the cap")
	}

	// 23 hours later the streak still blocks.
	current = current.Add(23 * time.Hour)
	if b.Allowed() {
		t.Error("Allowed() = true before 24h elapsed")
	}

	// Past 24 hours since the last stop-loss it clears on its own.
	current = current.Add(2 * time.Hour)
	if !b.Allowed() {
		t.Error("Allowed() = false after 24h auto-reset")
	}
	if got := b.Streak(); got != 0 {
		t.Errorf("streak after auto-reset = %d, want 0", got)
	}
}
