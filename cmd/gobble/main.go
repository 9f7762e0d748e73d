package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gobble.transitmatters.org/internal/app"
	"gobble.transitmatters.org/internal/config"
	"gobble.transitmatters.org/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger(os.Stdout, cfg.LogLevel)

	application, err := app.Build(cfg, logger)
	if err != nil {
		logging.LogError(logger, "startup failed", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	application.Run(ctx)
}
