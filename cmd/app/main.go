package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exchange_core/internal/app"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the yaml configuration")
	flag.Parse()

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, *configPath); err != nil {
		slog.Error("bootstrapping failed", slog.Any("error", err))
		bootstrap.Close(context.Background())
		os.Exit(1)
	}

	bootstrap.Start(ctx)
	slog.InfoContext(ctx, "exchange core running", slog.String("config", *configPath))

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bootstrap.Close(shutdownCtx)
}
