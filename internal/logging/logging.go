package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the application logger. Call sites pass a message followed by
// alternating key/value pairs.
type Logger struct {
	zl zerolog.Logger
}

// New creates a Logger writing to w. format is "json" or "console".
func New(w io.Writer, level, format string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{zl: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child Logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{zl: l.zl.With().Fields(args).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.zl.Debug().Fields(args).Msg(msg)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...any) {
	l.zl.Info().Fields(args).Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.zl.Warn().Fields(args).Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.zl.Error().Fields(args).Msg(msg)
}
