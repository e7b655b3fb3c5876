// Package logging builds the bot's slog logger: console output plus two
// rotating files under the log directory — the full application log and
// an error-only log for quick triage.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSizeMiB = 10
	maxLogBackups = 5
)

// Setup creates the logger. level accepts the config spellings (DEBUG,
// INFO, WARNING, ERROR, CRITICAL); format is "json" or "text" for the
// console, files are always JSON.
func Setup(level, format, dir string) (*slog.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lvl := ParseLevel(level)
	appFile := rotatingFile(filepath.Join(dir, "bot.log"))
	errFile := rotatingFile(filepath.Join(dir, "error.log"))

	console := newHandler(os.Stdout, format, lvl)
	app := slog.NewJSONHandler(appFile, &slog.HandlerOptions{Level: lvl})
	errOnly := slog.NewJSONHandler(errFile, &slog.HandlerOptions{Level: slog.LevelError})

	return slog.New(&multiHandler{handlers: []slog.Handler{console, app, errOnly}}), nil
}

func rotatingFile(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxLogSizeMiB,
		MaxBackups: maxLogBackups,
	}
}

func newHandler(w io.Writer, format string, lvl slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps the config logging levels onto slog. CRITICAL collapses
// to ERROR, which is slog's highest standard level.
func ParseLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler fans each record out to every handler that accepts its
// level.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}
