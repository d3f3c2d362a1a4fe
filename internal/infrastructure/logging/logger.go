package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-meshbridge/internal/infrastructure/config"
)

const (
	// serviceName is attached to every log entry.
	serviceName = "meshbridge"

	redacted = "[redacted]"

	// journalEnv is set by systemd when stdout or stderr is the journal.
	journalEnv = "JOURNAL_STREAM"
)

// sensitiveKeys are attribute keys whose values are never written.
var sensitiveKeys = map[string]struct{}{
	"password": {},
	"token":    {},
	"secret":   {},
}

// Logger wraps slog.Logger with bridge-specific defaults.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a Logger from the logging config section.
//
// Entries carry the service name and version. Attributes named password,
// token or secret are redacted. Under systemd the text format omits the
// timestamp because the journal adds its own.
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		output = os.Stderr
	}

	_, journal := os.LookupEnv(journalEnv)
	return newLogger(output, cfg, version, journal)
}

func newWithWriter(output io.Writer, cfg config.LoggingConfig, version string) *Logger {
	return newLogger(output, cfg, version, false)
}

func newLogger(output io.Writer, cfg config.LoggingConfig, version string, journal bool) *Logger {
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, handlerOptions(cfg.Level, journal))
	} else {
		handler = slog.NewJSONHandler(output, handlerOptions(cfg.Level, false))
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

func handlerOptions(level string, dropTime bool) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if dropTime && len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
				return slog.String(a.Key, redacted)
			}
			return a
		},
	}
}

// parseLevel converts a string log level to slog.Level.
// Unrecognised levels mean info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child Logger carrying extra attributes.
//
//	radioLog := logger.With("radio", "10.0.0.5:4403")
//	radioLog.Info("connected") // includes radio=10.0.0.5:4403
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default creates the logger used before configuration is loaded: JSON
// on stdout at info level.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}
