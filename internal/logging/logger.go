// Package logging provides simple leveled logging for the iSCSI core engine.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger wraps stdlib log with level support and a small set of context
// fields (connection, session, error) that get carried into every message
// logged through a derived logger.
type Logger struct {
	logger *log.Logger
	level  LogLevel
	format string
	fields map[string]any
	mu     sync.Mutex
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Format string // "text" (default) or "json"
	Output io.Writer

	// Sync and NoColor are accepted for parity with richer loggers
	// elsewhere in the ecosystem but have no effect here: output is
	// always written synchronously under a mutex, and text output never
	// emits ANSI color codes.
	Sync    bool
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
		format: format,
	}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// with returns a derived Logger carrying an additional context field,
// sharing the underlying stdlib logger and level/format.
func (l *Logger) with(key string, value any) *Logger {
	fields := make(map[string]any, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{logger: l.logger, level: l.level, format: l.format, fields: fields}
}

// WithConnection scopes subsequent log lines to connID, the way a
// per-connection handler wants its own logging tagged without threading
// the ID through every call site.
func (l *Logger) WithConnection(connID int) *Logger { return l.with("conn_id", connID) }

// WithSession scopes subsequent log lines to sessionID.
func (l *Logger) WithSession(sessionID uint64) *Logger { return l.with("session_id", sessionID) }

// WithRequest scopes subsequent log lines to an Initiator Task Tag and the
// SCSI operation name being performed under it.
func (l *Logger) WithRequest(itt uint32, op string) *Logger {
	return l.with("itt", itt).with("op", op)
}

// WithError attaches err to subsequent log lines, rendered as an "error"
// field rather than requiring callers to interpolate it into msg.
func (l *Logger) WithError(err error) *Logger { return l.with("error", err) }

// formatArgs converts key-value pairs to a string.
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		rec := make(map[string]any, len(l.fields)+2)
		for k, v := range l.fields {
			rec[k] = v
		}
		rec["level"] = prefix
		rec["msg"] = msg
		for i := 0; i+1 < len(args); i += 2 {
			rec[fmt.Sprintf("%v", args[i])] = args[i+1]
		}
		b, err := json.Marshal(rec)
		if err != nil {
			l.logger.Printf("%s %s (json marshal failed: %v)", prefix, msg, err)
			return
		}
		l.logger.Printf("%s", b)
		return
	}

	line := fmt.Sprintf("%s %s%s", prefix, msg, formatArgs(args))
	if len(l.fields) > 0 {
		var ctx string
		for k, v := range l.fields {
			ctx += fmt.Sprintf(" %s=%v", k, v)
		}
		line += ctx
	}
	l.logger.Printf("%s", line)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility with callers that only know a printf-style
// logging interface (e.g. iscsi.Logger).
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
