package autoflow

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/flexinfer/autoflow/internal/config"
)

// LoggingMiddleware logs every dispatch with task identity, duration and
// outcome through the given logger (nil = the default logger).
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, next Next, def *TaskDefinition, args []any) (any, error) {
		rc := GetRunContext(ctx)
		start := time.Now()

		logger.Info("task dispatch",
			"task", def.name,
			"run_id", rc.RunID,
			"args", len(args),
		)

		value, err := next(ctx)
		duration := time.Since(start)

		if err != nil {
			logger.Error("task failed",
				"task", def.name,
				"run_id", rc.RunID,
				"duration", duration,
				"error", err,
			)
			return value, err
		}
		logger.Info("task finished",
			"task", def.name,
			"run_id", rc.RunID,
			"duration", duration,
		)
		return value, nil
	}
}

// SetupLogging installs a process-wide slog handler per the log_level and
// log_format configuration.
func SetupLogging() *slog.Logger {
	cfg := config.Load()

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
