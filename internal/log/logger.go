// Package log owns the process-wide slog logger: JSON on stdout, with
// helpers that scope a logger to the fields drover logs everywhere
// (component, jid, minion).
package log

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var levelNames = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger once. Unknown levels fall back to
// INFO rather than failing startup.
func Setup(level string) {
	once.Do(func() {
		lvl, ok := levelNames[strings.ToUpper(level)]
		if !ok {
			lvl = slog.LevelInfo
		}
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
		slog.SetDefault(logger)
	})
}

// Get returns the configured logger, initializing at INFO if Setup was
// never called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO")
	}
	return logger
}

// WithComponent scopes a logger to a named subsystem.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithJob scopes a logger to one job.
func WithJob(jid string) *slog.Logger {
	return Get().With(slog.String("jid", jid))
}

// WithMinion scopes a logger to one minion.
func WithMinion(id string) *slog.Logger {
	return Get().With(slog.String("minion", id))
}

// WithBatch scopes a logger to one batch run.
func WithBatch(jid string) *slog.Logger {
	return Get().With(slog.String("batch_jid", jid))
}

func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }
