package config

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs a JSON logger on stdout as the slog default.
// LOG_LEVEL, when set, overrides the configured level.
func InitLogger(level slog.Level) *slog.Logger {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("logger initialized", "level", level.String())
	return logger
}
