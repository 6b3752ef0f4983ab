package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is a logging level below slog.LevelDebug used for
// per-segment tracing of the TCP state machine.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogEnabled reports whether l would emit a record at level lvl.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs is a helper used by all package loggers. A nil logger discards the record.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
