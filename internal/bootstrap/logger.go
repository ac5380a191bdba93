package bootstrap

import (
	"log/slog"
	"os"
)

// InitLogger builds the bootstrap-phase slog logger. It exists for the
// window before pkg/logging's zap logger is wired (config load,
// pre-flight checks) and for App's own lifecycle messages; engine
// components log through core.ILogger instead.
func InitLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.System.LogLevel {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With(
		"engine_type", cfg.App.EngineType,
	)
	slog.SetDefault(logger)
	return logger
}
