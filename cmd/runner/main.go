package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"scrape-coordinator/internal/config"
	"scrape-coordinator/internal/runner"
	"scrape-coordinator/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	if cfg.RunnerName == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = fmt.Sprintf("runner-%d", os.Getpid())
		}
		cfg.RunnerName = hostname
	}
	if cfg.RunnerAPIKey == "" {
		logger.Fatal("RUNNER_API_KEY is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	client := runner.NewClient(cfg.CoordinatorURL, cfg.RunnerAPIKey)
	r := runner.New(cfg, client, &runner.FakeScraper{}, logger)

	logger.Info("runner started",
		zap.String("name", cfg.RunnerName),
		zap.String("coordinator", cfg.CoordinatorURL),
		zap.Duration("poll_interval", cfg.RunnerPollInterval))
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runner stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}
