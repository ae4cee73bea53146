package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Level orders log severities
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps LOG_LEVEL strings to a Level, defaulting to info
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides structured logging for the worker
type Logger struct {
	prefix string
	level  Level
	fields []interface{}
	logger *log.Logger
}

// NewLogger creates a new logger with a prefix
func NewLogger(prefix string) *Logger {
	return NewLoggerWithOutput(prefix, LevelInfo, os.Stdout)
}

// NewLoggerWithOutput creates a logger writing to w at the given minimum level
func NewLoggerWithOutput(prefix string, level Level, w io.Writer) *Logger {
	return &Logger{
		prefix: prefix,
		level:  level,
		logger: log.New(w, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewLoggerWithOutput("nop", LevelError+1, io.Discard)
}

// With returns a child logger that always appends the given key-value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	child := *l
	child.fields = append(append([]interface{}(nil), l.fields...), keysAndValues...)
	return &child
}

// SetLevel changes the minimum level
func (l *Logger) SetLevel(level Level) {
	l.level = level
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelInfo, "INFO", msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelWarn, "WARN", msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelError, "ERROR", msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV(LevelDebug, "DEBUG", msg, keysAndValues...)
}

func (l *Logger) logWithKV(level Level, tag, msg string, keysAndValues ...interface{}) {
	if l == nil || level < l.level {
		return
	}
	kv := append(append([]interface{}(nil), l.fields...), keysAndValues...)
	var b strings.Builder
	for i := 0; i < len(kv); i += 2 {
		if i+1 < len(kv) {
			fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
		}
	}
	l.logger.Printf("[%s] %s%s", tag, msg, b.String())
}
