package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nadmax/telemetryd/internal/api"
	"github.com/nadmax/telemetryd/internal/cluster"
	"github.com/nadmax/telemetryd/internal/config"
	"github.com/nadmax/telemetryd/internal/controller"
	"github.com/nadmax/telemetryd/internal/distributor"
	"github.com/nadmax/telemetryd/internal/logging"
	"github.com/nadmax/telemetryd/internal/repository"
	"github.com/nadmax/telemetryd/internal/rpc"
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

	if err := repo.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}

	client := rpc.NewClient(rdb, cfg.RPCCallTimeout)
	registry := cluster.NewRegistry(rdb)

	dist := distributor.New(
		repo,
		client,
		registry,
		cluster.NewElector(rdb, cfg.NodeID, cfg.LeaderTTL),
		distributor.Options{
			Period:      cfg.DistributorPeriod,
			LeaseRenew:  cfg.LeaderTTL / 3,
			DeadTimeout: cfg.NodeDeadTimeout,
			CastRate:    float64(cfg.DistributorCastRate),
		},
		logging.Component(log, "distributor"),
	)

	ctrl := controller.New(repo, client, dist, cfg.CollectionInterval, logging.Component(log, "controller"))
	apiHandler := api.NewAPI(ctrl, logging.Component(log, "api"))

	go dist.Run(ctx)
	go startNodeGauge(ctx, registry, cfg.NodeDeadTimeout, logging.Component(log, "cluster"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("redis", cfg.RedisAddr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}
