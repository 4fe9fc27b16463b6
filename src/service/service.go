// Package service wires the deposit client together: stores, duplicate
// guard, registry, admin api and metrics.
package service

import (
	"context"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/onemorebsmith/deposit-ingest/src/adminapi"
	"github.com/onemorebsmith/deposit-ingest/src/cache"
	"github.com/onemorebsmith/deposit-ingest/src/clock"
	"github.com/onemorebsmith/deposit-ingest/src/common"
	"github.com/onemorebsmith/deposit-ingest/src/depositclient"
	"github.com/onemorebsmith/deposit-ingest/src/diaglog"
	"github.com/onemorebsmith/deposit-ingest/src/postgres"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type store interface {
	depositclient.SourceProvider
	depositclient.DepositStore
}

func configureRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rd := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0, // use default DB
	})
	if err := rd.Ping(ctx); err.Err() != nil {
		rd.Close()
		return nil, errors.Wrap(err.Err(), "failed to ping redis")
	}
	return rd, nil
}

// ListenAndServe runs the deposit client until ctx is cancelled, then shuts
// every connection down before returning.
func ListenAndServe(ctx context.Context, cfg depositclient.ClientConfig) error {
	cfg.ApplyDefaults()
	logger := common.ConfigureZap("deposit-client", common.ParseLevel(cfg.LogLevel))
	defer logger.Sync()
	if cfg.PromPort != "" {
		depositclient.StartPromServer(logger, cfg.PromPort)
	}

	clk := clock.Real()
	diag := diaglog.New(cfg.LogCapacity, clk, logger)
	checks := map[string]adminapi.HealthCheck{}

	var st store
	if cfg.Mock {
		mem := depositclient.NewMemoryStore()
		for _, src := range cfg.MockSources {
			mem.PutSource(src.ToModel())
		}
		logger.Warn("running with the in-memory store, deposits will not be persisted")
		st = mem
	} else {
		pg, err := postgres.NewStore(ctx, cfg.PostgresConfig)
		if err != nil {
			return errors.Wrap(err, "failed connecting to postgres")
		}
		defer pg.Close()
		checks["postgres"] = pg.Ping
		st = pg
	}

	var guard depositclient.DuplicateGuard
	if cfg.RedisConfig != "" {
		rd, err := configureRedis(ctx, cfg.RedisConfig)
		if err != nil {
			return errors.Wrap(err, "failed connecting to redis")
		}
		defer rd.Close()
		checks["redis"] = func(ctx context.Context) error { return rd.Ping(ctx).Err() }
		claims := cache.NewDepositClaims(rd, clk)
		guard = claims
		go cache.StartClaimPruner(ctx, claims, cfg.ClaimPruneInterval, cfg.ClaimRetention, logger)
	}

	ingestor := depositclient.NewDepositIngestor(st, guard, diag, clk, logger)
	registry := depositclient.NewRegistry(cfg, st, depositclient.NewWebsocketDialer(cfg.DialTimeout),
		ingestor, diag, clk, logger)

	if cfg.HealthCheckPort != "" {
		logger.Info("enabling health check on port " + cfg.HealthCheckPort)
		beginReadyzHandler(cfg.HealthCheckPort, checks, logger)
	}
	adminErr := make(chan error, 1)
	if cfg.AdminPort != "" {
		router := adminapi.NewRouter(registry, diag, checks, logger)
		go func() { adminErr <- adminapi.Serve(ctx, cfg.AdminPort, router, logger) }()
	}

	registry.Start(ctx)
	logger.Info("deposit client started", zap.String("upstream", cfg.UpstreamURL))

	var err error
	select {
	case <-ctx.Done():
	case err = <-adminErr:
	}
	logger.Info("shutting down deposit client")
	registry.Shutdown()
	return err
}

func beginReadyzHandler(port string, checks map[string]adminapi.HealthCheck, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/readyz", adminapi.ReadyzHandler(checks))
	server := &http.Server{Addr: port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil {
			logger.Error("health check server exited", zap.Error(err))
		}
	}()
}
