package asyncsocket

import "log/slog"

// Logger is the interface for structured logging.
// *slog.Logger satisfies it; applications can plug in any other logger with
// the same four leveled methods.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// withAttrs attaches key-value pairs to every record of l, when l supports
// it. Other loggers are returned unchanged.
func withAttrs(l Logger, args ...any) Logger {
	if sl, ok := l.(interface{ With(args ...any) *slog.Logger }); ok {
		return sl.With(args...)
	}
	return l
}
