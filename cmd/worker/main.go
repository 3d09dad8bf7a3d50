package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/telemetryd/internal/collector"
	"github.com/nadmax/telemetryd/internal/config"
	"github.com/nadmax/telemetryd/internal/logging"
	"github.com/nadmax/telemetryd/internal/repository"
	"github.com/nadmax/telemetryd/internal/rpc"
	"github.com/nadmax/telemetryd/internal/scheduler"
	"github.com/nadmax/telemetryd/internal/telemetry"
	"github.com/nadmax/telemetryd/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New(logging.Config{})
		boot.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With().Str("node", cfg.NodeID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewPostgresRepository(cfg.PostgresDSN, logging.Component(log, "repository"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	defer func() {
		if err := repo.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close Postgres repository")
		}
	}()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}

	drivers := collector.NewStaticDrivers(collector.SimulatedDriver{
		Latency:     200 * time.Millisecond,
		FailureRate: 0.05,
	})
	collectors := collector.NewRegistry()
	collectors.RegisterCollector(collector.PerformanceMethod, collector.NewPerformanceCollector(drivers, collector.GaugeSink{}))

	rt := &telemetry.Runtime{
		Repo:       repo,
		Collectors: collectors,
		Caller:     rpc.NewClient(rdb, cfg.RPCCallTimeout),
		Node:       cfg.NodeID,
		Settings: telemetry.Settings{
			HistoryWindow:     cfg.HistoryWindow,
			MaxRetry:          cfg.MaxFailedJobRetry,
			FailedJobInterval: cfg.FailedJobInterval,
		},
		Log: logging.Component(log, "telemetry"),
	}

	w := worker.NewWorker(rt, scheduler.New(logging.Component(log, "scheduler")), rdb, worker.Options{
		HeartbeatPeriod: cfg.HeartbeatPeriod,
		SweepPeriod:     cfg.FailedJobSweepPeriod,
	})
	w.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics shutdown failed")
	}
	w.Stop(shutdownCtx)
}
