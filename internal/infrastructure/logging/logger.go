package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/failover-agent/internal/infrastructure/config"
)

const serviceName = "failover-agent"

// Logger is the agent's structured logger. Every record carries the
// service name and build version. Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a logger from cfg. Output "stderr" writes to stderr, anything
// else to stdout.
func New(cfg config.LoggingConfig, version string) *Logger {
	return newWithWriter(cfg, version, outputFor(cfg.Output))
}

func newWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	handler := handlerFor(cfg.Format, w, parseLevel(cfg.Level)).WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(handler)}
}

func outputFor(name string) io.Writer {
	if strings.EqualFold(name, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// handlerFor picks json (default), text, or the coloured console handler.
func handlerFor(format string, w io.Writer, level slog.Level) slog.Handler {
	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "console":
		return newConsoleHandler(w, level)
	default:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
}

// parseLevel maps debug, info, warn/warning and error. Anything else is info.
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

// With returns a child logger with extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child logger tagged component=name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the JSON info logger used until the config is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
