package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

// ParseLogLevel maps a level name (debug, info, warn, error, critical) to a LogLevel.
// Unknown names fall back to Warning.
func ParseLogLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return Debug
	case "info":
		return Info
	case "warn", "warning":
		return Warning
	case "error":
		return Error
	case "critical", "fatal":
		return Critical
	default:
		return Warning
	}
}

// defaultLevel is Debug when LOCAL is set, otherwise LOG_LEVEL or Warning.
func defaultLevel() LogLevel {
	local := os.Getenv("LOCAL")
	if strings.ToLower(local) == "true" || local == "1" {
		return Debug
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		return ParseLogLevel(lvl)
	}
	return Warning
}

// Logger writes leveled messages followed by key=value pairs.
type Logger struct {
	prefix string
	logger *log.Logger
	fields []interface{}

	// shared between loggers derived with With
	level *levelHolder
}

type levelHolder struct {
	mu    sync.Mutex
	value LogLevel
}

// NewLogger creates a logger writing to stdout with the given prefix.
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	level := defaultLevel()
	if len(logLevel) > 0 {
		level = logLevel[0]
	}
	return NewLoggerWithWriter(os.Stdout, prefix, level)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(w io.Writer, prefix string, level LogLevel) *Logger {
	return &Logger{
		prefix: prefix,
		logger: log.New(w, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
		level:  &levelHolder{value: level},
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return NewLoggerWithWriter(io.Discard, "discard", Critical+1)
}

// With returns a logger that appends keyvals to every message.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keyvals))
	fields = append(fields, l.fields...)
	fields = append(fields, keyvals...)
	return &Logger{
		prefix: l.prefix,
		logger: l.logger,
		fields: fields,
		level:  l.level,
	}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(level LogLevel) {
	l.level.mu.Lock()
	defer l.level.mu.Unlock()
	l.level.value = level
}

func (l *Logger) enabled(level LogLevel) bool {
	l.level.mu.Lock()
	defer l.level.mu.Unlock()
	return l.level.value <= level
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.write(Debug, "DEBUG", msg, keyvals)
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.write(Info, "INFO", msg, keyvals)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.write(Warning, "WARN", msg, keyvals)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.write(Error, "ERROR", msg, keyvals)
}

func (l *Logger) write(level LogLevel, tag, msg string, keyvals []interface{}) {
	if !l.enabled(level) {
		return
	}
	l.logger.Println(formatMessage(tag, msg, l.fields, keyvals))
}

// formatMessage formats a message with key-value pairs
func formatMessage(level, msg string, groups ...[]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, msg)
	for _, keyvals := range groups {
		for i := 0; i+1 < len(keyvals); i += 2 {
			fmt.Fprintf(&b, " %v=%v", keyvals[i], keyvals[i+1])
		}
	}
	return b.String()
}
