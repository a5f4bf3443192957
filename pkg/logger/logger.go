// Package logger provides structured JSON logging on top of log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// slogLevel maps a Level onto the slog scale.
func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses a string into a Level.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a structured JSON logger. A nil *Logger discards everything, so
// components can take an optional logger without guarding each call.
type Logger struct {
	slog  *slog.Logger
	level Level
}

// New creates a new Logger with the specified output and level.
func New(output io.Writer, level string) *Logger {
	if output == nil {
		output = os.Stdout
	}
	lvl := ParseLevel(level)
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: lvl.slogLevel(),
	})
	return &Logger{
		slog:  slog.New(handler),
		level: lvl,
	}
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return New(io.Discard, "error")
}

// With returns a new Logger with additional fields.
// Pairs whose key is not a string are skipped.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		slog:  l.slog.With(pairs(keyvals)...),
		level: l.level,
	}
}

// Level returns the minimum level that is written.
func (l *Logger) Level() Level {
	if l == nil {
		return LevelError
	}
	return l.level
}

// Debug logs a message at debug level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.log(LevelDebug, msg, keyvals...)
}

// Info logs a message at info level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.log(LevelInfo, msg, keyvals...)
}

// Warn logs a message at warn level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.log(LevelWarn, msg, keyvals...)
}

// Error logs a message at error level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.log(LevelError, msg, keyvals...)
}

// log writes a log entry if the level is enabled.
func (l *Logger) log(level Level, msg string, keyvals ...interface{}) {
	if l == nil || level < l.level {
		return
	}
	l.slog.Log(context.Background(), level.slogLevel(), msg, pairs(keyvals)...)
}

// pairs drops key/value pairs whose key is not a string and any trailing
// key without a value.
func pairs(keyvals []interface{}) []any {
	out := make([]any, 0, len(keyvals))
	for i := 0; i < len(keyvals)-1; i += 2 {
		if key, ok := keyvals[i].(string); ok {
			out = append(out, key, keyvals[i+1])
		}
	}
	return out
}
