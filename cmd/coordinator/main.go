package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"scrape-coordinator/internal/api"
	"scrape-coordinator/internal/archive"
	"scrape-coordinator/internal/auth"
	"scrape-coordinator/internal/callback"
	"scrape-coordinator/internal/config"
	"scrape-coordinator/internal/ratelimit"
	"scrape-coordinator/internal/realtime"
	"scrape-coordinator/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	gate := auth.NewGate(st, cfg.JWTSecret)
	publisher := realtime.NewPublisher(redisClient)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		logger.Fatal("init archiver", zap.Error(err))
	}

	pollSource := realtime.NewPollSource(snapshotFunc(st), cfg.RealtimePollInterval)
	var hub *realtime.Hub
	if cfg.RealtimeMode == "poll" {
		hub = realtime.NewHub(logger, pollSource, nil)
	} else {
		hub = realtime.NewHub(logger, realtime.NewPushSource(redisClient), pollSource)
	}
	go hub.Run(ctx)

	notifier := callback.NewLogNotifier(logger)
	processor := callback.NewProcessor(st, notifier, publisher, archiver, logger, cfg.BackoffBase, cfg.BackoffCap)

	wsAuth := func(ctx context.Context, apiKey, authorization string) (string, error) {
		identity, err := gate.Authenticate(ctx, apiKey, authorization)
		if err != nil {
			return "", err
		}
		return identity.RunnerName, nil
	}
	ws := realtime.NewWSHandler(hub, logger, cfg.AdminToken, wsAuth)

	server := api.New(cfg, st, gate, processor, limiter, publisher, ws, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("coordinator listening", zap.String("port", cfg.HTTPPort), zap.String("realtime_mode", cfg.RealtimeMode))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// snapshotFunc adapts the store into the poll fallback's fetch: one room, one
// newest row.
func snapshotFunc(st *store.Store) realtime.SnapshotFunc {
	return func(ctx context.Context, room string) (realtime.Snapshot, error) {
		if id, ok := strings.CutPrefix(room, "job:"); ok {
			job, err := st.GetJob(ctx, id)
			if err != nil {
				return realtime.Snapshot{}, err
			}
			body, err := json.Marshal(job)
			if err != nil {
				return realtime.Snapshot{}, err
			}
			return realtime.Snapshot{Entity: body, Version: job.UpdatedAt}, nil
		}
		if id, ok := strings.CutPrefix(room, "test:"); ok {
			run, err := st.GetTestRun(ctx, id)
			if err != nil {
				return realtime.Snapshot{}, err
			}
			version := run.CreatedAt
			if run.CompletedAt != nil {
				version = *run.CompletedAt
			}
			body, err := json.Marshal(run)
			if err != nil {
				return realtime.Snapshot{}, err
			}
			return realtime.Snapshot{Entity: body, Version: version}, nil
		}
		return realtime.Snapshot{}, fmt.Errorf("unknown room %q", room)
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
