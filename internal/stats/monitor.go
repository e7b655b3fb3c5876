// Package stats produces rolling trade summaries and the daily digest.
//
// The monitor reads aggregates from the store and renders them for two
// consumers: the shutdown report printed to the log, and the Telegram
// daily digest sent once per day shortly after midnight UTC. Digest
// idempotency survives restarts through a single-line state file holding
// the date last sent.
package stats

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bybit-correlation-bot/internal/store"
)

// reportWindow is how far past midnight the daily digest may still fire.
const reportWindow = 10 * time.Minute

// StatsStore is the aggregate-reading surface of the store.
type StatsStore interface {
	GetStatisticsSummary(days int) (*store.Summary, error)
	CalculateAndSaveDailyStats(date string) error
	GetDailyStats(date string) (*store.DailyStats, error)
}

// Report bundles the trailing windows of the comprehensive report.
type Report struct {
	Today *store.Summary
	Week  *store.Summary
	Month *store.Summary
}

// Monitor computes summaries and guards the once-a-day digest.
type Monitor struct {
	db        StatsStore
	stateFile string
	logger    *slog.Logger

	now func() time.Time // injectable clock for tests
}

// NewMonitor creates a monitor. stateFile holds the date the last digest
// went out.
func NewMonitor(db StatsStore, stateFile string, logger *slog.Logger) *Monitor {
	return &Monitor{
		db:        db,
		stateFile: stateFile,
		logger:    logger.With("component", "stats"),
		now:       time.Now,
	}
}

// ComprehensiveReport aggregates today, the trailing week, and the
// trailing month.
func (m *Monitor) ComprehensiveReport() (*Report, error) {
	today, err := m.db.GetStatisticsSummary(1)
	if err != nil {
		return nil, fmt.Errorf("today summary: %w", err)
	}
	week, err := m.db.GetStatisticsSummary(7)
	if err != nil {
		return nil, fmt.Errorf("week summary: %w", err)
	}
	month, err := m.db.GetStatisticsSummary(30)
	if err != nil {
		return nil, fmt.Errorf("month summary: %w", err)
	}
	return &Report{Today: today, Week: week, Month: month}, nil
}

// FormatReport renders a report for the log and the Telegram digest.
func FormatReport(r *Report) string {
	var b strings.Builder
	b.WriteString("📊 Trading report\n")
	writeWindow(&b, "Today", r.Today)
	writeWindow(&b, "7 days", r.Week)
	writeWindow(&b, "30 days", r.Month)
	return strings.TrimRight(b.String(), "\n")
}

func writeWindow(b *strings.Builder, label string, s *store.Summary) {
	if s == nil {
		return
	}
	fmt.Fprintf(b, "%s: %d trades, %d wins / %d losses (%.1f%%), P&L %+.4f USDT",
		label, s.TotalTrades, s.Wins, s.Losses, s.WinRate, s.TotalPnl)
	if s.TotalTrades > 0 {
		fmt.Fprintf(b, ", best %+.4f, worst %+.4f", s.BestTrade, s.WorstTrade)
	}
	b.WriteString("\n")
}

// MaybeDailyReport returns the digest text when it is due: within the
// post-midnight window and not yet sent today. It also refreshes
// yesterday's daily_stats row so the table is complete before reporting.
// All dates are UTC, matching how the store buckets closed trades.
func (m *Monitor) MaybeDailyReport() (string, bool) {
	now := m.now().UTC()
	if now.Hour() != 0 || now.Minute() >= int(reportWindow.Minutes()) {
		return "", false
	}
	today := now.Format("2006-01-02")
	if m.lastSentDate() == today {
		return "", false
	}

	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")
	if err := m.db.CalculateAndSaveDailyStats(yesterday); err != nil {
		m.logger.Error("finalize daily stats failed", "date", yesterday, "error", err)
	}

	report, err := m.ComprehensiveReport()
	if err != nil {
		m.logger.Error("daily report failed", "error", err)
		return "", false
	}
	return FormatReport(report), true
}

// MarkDailyReportSent persists today's date so the digest fires once.
func (m *Monitor) MarkDailyReportSent() {
	today := m.now().UTC().Format("2006-01-02")
	if dir := filepath.Dir(m.stateFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			m.logger.Error("create state dir failed", "error", err)
			return
		}
	}
	if err := os.WriteFile(m.stateFile, []byte(today+"\n"), 0o644); err != nil {
		m.logger.Error("write report state failed", "error", err)
	}
}

func (m *Monitor) lastSentDate() string {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
