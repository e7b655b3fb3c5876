package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bybit-correlation-bot/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(filepath.Join(t.TempDir(), "bot.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder() *OrderRecord {
	return &OrderRecord{
		Strategy:   "corr",
		Pair:       "WIFUSDT",
		OrderID:    "oid-1",
		Side:       types.Buy,
		Qty:        240,
		EntryPrice: 0.4150,
		TakeProfit: 0.4170,
		StopLoss:   0.4130,
		Status:     types.OrderOpen,
		OpenedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestOrderLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	id, err := s.SaveOrder(testOrder())
	if err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	open, err := s.GetOpenOrders("")
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open))
	}
	o := open[0]
	if o.ID != id || o.Strategy != "corr" || o.Side != types.Buy || o.Qty != 240 {
		t.Errorf("roundtrip mismatch: %+v", o)
	}
	if !o.OpenedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("OpenedAt = %v", o.OpenedAt)
	}
	if !o.ClosedAt.IsZero() {
		t.Errorf("ClosedAt = %v, want zero while open", o.ClosedAt)
	}

	closedAt := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if err := s.MarkOrderClosed(id, types.OrderClosed, 0.4170, 0.48, 0.48, types.CloseTakeProfit, closedAt); err != nil {
		t.Fatalf("MarkOrderClosed: %v", err)
	}

	open, err = s.GetOpenOrders("")
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open orders after close = %d, want 0", len(open))
	}
}

func TestGetOpenOrdersPairFilter(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	first := testOrder()
	second := testOrder()
	second.Pair = "PEPEUSDT"
	if _, err := s.SaveOrder(first); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveOrder(second); err != nil {
		t.Fatal(err)
	}

	open, err := s.GetOpenOrders("PEPEUSDT")
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(open) != 1 || open[0].Pair != "PEPEUSDT" {
		t.Errorf("filtered orders = %+v, want one PEPEUSDT row", open)
	}
}

func TestUpdateOrderRejectsUnknownColumn(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	id, err := s.SaveOrder(testOrder())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateOrder(id, map[string]any{"strategy": "evil"}); err == nil {
		t.Error("UpdateOrder accepted an unlisted column")
	}
}

func TestSignalRoundtrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	rec := &SignalRecord{
		Strategy:     "corr",
		Signal:       "btc",
		Pair:         "WIFUSDT",
		Action:       types.Buy,
		IndexChange:  1.2,
		TargetChange: 0.1,
		TargetPrice:  0.4150,
		CreatedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	id, err := s.SaveSignal(rec)
	if err != nil {
		t.Fatalf("SaveSignal: %v", err)
	}

	got, err := s.GetSignal(id)
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if got.Executed {
		t.Error("Executed = true before execution")
	}
	if got.Action != types.Buy || got.IndexChange != 1.2 || got.Pair != "WIFUSDT" {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	if err := s.MarkSignalExecuted(id); err != nil {
		t.Fatalf("MarkSignalExecuted: %v", err)
	}
	got, err = s.GetSignal(id)
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if !got.Executed {
		t.Error("Executed = false after MarkSignalExecuted")
	}
}

func TestStatisticsSummary(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	now := time.Now().UTC()

	wins := []float64{0.5, 1.5}
	losses := []float64{-0.8}
	for _, pnl := range append(wins, losses...) {
		o := testOrder()
		id, err := s.SaveOrder(o)
		if err != nil {
			t.Fatal(err)
		}
		reason := types.CloseTakeProfit
		if pnl < 0 {
			reason = types.CloseStopLoss
		}
		if err := s.MarkOrderClosed(id, types.OrderClosed, 0.42, pnl, pnl, reason, now); err != nil {
			t.Fatal(err)
		}
	}
	// A cancelled order must not count as a trade.
	id, err := s.SaveOrder(testOrder())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkOrderClosed(id, types.OrderCancelled, 0, 0, 0, "", now); err != nil {
		t.Fatal(err)
	}

	sum, err := s.GetStatisticsSummary(1)
	if err != nil {
		t.Fatalf("GetStatisticsSummary: %v", err)
	}
	if sum.TotalTrades != 3 || sum.Wins != 2 || sum.Losses != 1 {
		t.Errorf("summary = %+v, want 3 trades / 2 wins / 1 loss", sum)
	}
	if sum.BestTrade != 1.5 || sum.WorstTrade != -0.8 {
		t.Errorf("best/worst = %v/%v, want 1.5/-0.8", sum.BestTrade, sum.WorstTrade)
	}
	wantWinRate := 2.0 / 3.0 * 100
	if sum.WinRate < wantWinRate-0.01 || sum.WinRate > wantWinRate+0.01 {
		t.Errorf("win rate = %v, want ~%v", sum.WinRate, wantWinRate)
	}
}

func TestDailyStatsUpsert(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	now := time.Now().UTC()
	today := now.Format("2006-01-02")

	id, err := s.SaveOrder(testOrder())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkOrderClosed(id, types.OrderClosed, 0.4170, 0.48, 0.48, types.CloseTakeProfit, now); err != nil {
		t.Fatal(err)
	}

	if err := s.CalculateAndSaveDailyStats(""); err != nil {
		t.Fatalf("CalculateAndSaveDailyStats: %v", err)
	}
	st, err := s.GetDailyStats(today)
	if err != nil {
		t.Fatalf("GetDailyStats: %v", err)
	}
	if st == nil || st.TotalTrades != 1 || st.Wins != 1 {
		t.Fatalf("daily stats = %+v, want 1 trade / 1 win", st)
	}

	// Another close the same day; the recompute must overwrite, not add.
	id, err = s.SaveOrder(testOrder())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkOrderClosed(id, types.OrderClosed, 0.4130, -0.48, -0.48, types.CloseStopLoss, now); err != nil {
		t.Fatal(err)
	}
	if err := s.CalculateAndSaveDailyStats(today); err != nil {
		t.Fatal(err)
	}
	st, err = s.GetDailyStats(today)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalTrades != 2 || st.Wins != 1 || st.Losses != 1 {
		t.Errorf("daily stats after upsert = %+v, want 2/1/1", st)
	}
	if st.WinRate != 50 {
		t.Errorf("win rate = %v, want 50", st.WinRate)
	}
}

func TestGetDailyStatsMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	st, err := s.GetDailyStats("1999-01-01")
	if err != nil {
		t.Fatalf("GetDailyStats: %v", err)
	}
	if st != nil {
		t.Errorf("stats for empty day = %+v, want nil", st)
	}
}

func TestCoerceTime(t *testing.T) {
	t.Parallel()
	want := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want time.Time
	}{
		{"rfc3339", "2026-03-01T10:30:00Z", want},
		{"space separated", "2026-03-01 10:30:00", want},
		{"date only", "2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"epoch int", want.Unix(), want},
		{"epoch float", float64(want.Unix()), want},
		{"epoch text", "1772361000", time.Unix(1772361000, 0).UTC()},
		{"bytes", []byte("2026-03-01T10:30:00Z"), want},
		{"native", want, want},
		{"nil", nil, time.Time{}},
		{"garbage", "not a time", time.Time{}},
	}
	for _, tt := range tests {
		got := coerceTime(tt.in)
		if !got.Equal(tt.want) {
			t.Errorf("%s: coerceTime(%v) = %v, want %v", tt.name, tt.in, got, tt.want)
		}
	}
}
