// Package logger provides structured logging for the hub daemon.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog so components can depend on a small interface instead
// of a concrete handler.
type Logger struct {
	slog   *slog.Logger
	level  slog.Level
	format string
}

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
}

// DefaultConfig returns default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: os.Stdout,
	}
}

// ConfigFromEnv builds config from HUBD_LOG_LEVEL / HUBD_LOG_FORMAT.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if level := os.Getenv("HUBD_LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}
	if format := os.Getenv("HUBD_LOG_FORMAT"); format != "" {
		cfg.Format = strings.ToLower(format)
	}

	return cfg
}

// New creates a new logger with the given configuration.
func New(cfg Config) *Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   a.Key,
					Value: slog.StringValue(a.Value.Time().Format("15:04:05")),
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		slog:   slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

func attrsToMap(keysAndValues []interface{}) map[string]interface{} {
	if len(keysAndValues) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		m[key] = keysAndValues[i+1]
	}
	return m
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.slog.Debug(msg, keysAndValues...)
	recentLogs.Add(LogEntry{Timestamp: time.Now(), Level: "debug", Message: msg, Attrs: attrsToMap(keysAndValues)})
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.slog.Info(msg, keysAndValues...)
	recentLogs.Add(LogEntry{Timestamp: time.Now(), Level: "info", Message: msg, Attrs: attrsToMap(keysAndValues)})
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.slog.Warn(msg, keysAndValues...)
	recentLogs.Add(LogEntry{Timestamp: time.Now(), Level: "warn", Message: msg, Attrs: attrsToMap(keysAndValues)})
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.slog.Error(msg, keysAndValues...)
	recentLogs.Add(LogEntry{Timestamp: time.Now(), Level: "error", Message: msg, Attrs: attrsToMap(keysAndValues)})
}

// With returns a new logger carrying additional structured context.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		slog:   l.slog.With(keysAndValues...),
		level:  l.level,
		format: l.format,
	}
}

// GetSlog returns the underlying slog.Logger.
func (l *Logger) GetSlog() *slog.Logger {
	return l.slog
}

var defaultLogger = New(DefaultConfig())

// recentLogs backs GetRecentLogs, which internal/web's /logs handler
// serves directly.
var recentLogs = NewBuffer(500)

// Init initializes the default logger from environment variables.
func Init() {
	defaultLogger = New(ConfigFromEnv())
	slog.SetDefault(defaultLogger.slog)
}

// SetDefault replaces the package default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.slog)
}

// Default returns the package default logger.
func Default() *Logger {
	return defaultLogger
}

// GetRecentLogs returns up to n of the most recently logged entries,
// newest first.
func GetRecentLogs(n int) []LogEntry {
	return recentLogs.GetLast(n)
}

func Debug(msg string, keysAndValues ...interface{}) { defaultLogger.Debug(msg, keysAndValues...) }
func Info(msg string, keysAndValues ...interface{})  { defaultLogger.Info(msg, keysAndValues...) }
func Warn(msg string, keysAndValues ...interface{})  { defaultLogger.Warn(msg, keysAndValues...) }
func Error(msg string, keysAndValues ...interface{}) { defaultLogger.Error(msg, keysAndValues...) }
