// Command parley-bot runs the full service: conversation adapter, task
// scheduler, and the Telegram frontend, configured via parley.toml and
// PARLEY_* env vars.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/nevindra/parley/internal/app"
	"github.com/nevindra/parley/internal/config"
)

func main() {
	cfg := config.Load(os.Getenv("PARLEY_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	service, err := app.New(context.Background(), &cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	if err := service.RunWithSignal(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("service exited", "error", err)
		os.Exit(1)
	}
}
