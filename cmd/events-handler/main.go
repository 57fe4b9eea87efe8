package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/app-ship/events-handler/pkg/eventshandler"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	// Initialize structured logger. The level follows log.level once the
	// config is loaded, and again on every reload.
	level := new(slog.LevelVar)
	if v := os.Getenv("EVENTS_LOG__LEVEL"); v != "" {
		level.Set(eventshandler.ParseLevel(v))
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if _, err := os.Stat(*configPath); err != nil {
		logger.Info("config file not found, using environment and defaults", slog.String("path", *configPath))
	}

	svc, err := eventshandler.New(
		eventshandler.WithLogger(logger),
		eventshandler.WithLevelVar(level),
		eventshandler.WithFileConfig(*configPath),
	)
	if err != nil {
		log.Fatalf("Failed to create events handler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start events handler: %v", err)
	}

	// Wait for shutdown signal or a server failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-svc.Err():
		logger.Error("server failed", slog.String("error", err.Error()))
		exitCode = 1
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		exitCode = 1
	}
	os.Exit(exitCode)
}
