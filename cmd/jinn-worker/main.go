// Package main is the entry point for the jinn worker daemon.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Jinn-Network/jinn-node-sub004/internal/config"
	"github.com/Jinn-Network/jinn-node-sub004/internal/worker"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting jinn worker",
		slog.Uint64("service_id", cfg.Service.ServiceID),
		slog.Int64("chain_id", cfg.Chain.ChainID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := worker.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to assemble worker: %v", err)
	}

	if err := w.Run(ctx); err != nil {
		log.Fatalf("Worker stopped: %v", err)
	}
	logger.Info("Worker stopped")
}
