// Command relay relays quotes from Redis (or an upstream WebSocket) to HTTP and
// WebSocket clients.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"mm-relay/config"
	"mm-relay/internal/app"
	"mm-relay/internal/logger"
)

func main() {
	log := logger.Init("relay", slog.LevelInfo)

	cfg, err := config.Load(config.ModeRelay)
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(2)
	}
	log = logger.Init("relay", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	svc, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("init failed", "err", err)
		os.Exit(1)
	}
	if err := svc.Run(ctx); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}
