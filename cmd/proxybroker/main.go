package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/EPguitars/proxycare/internal/cache"
	"github.com/EPguitars/proxycare/internal/codec"
	"github.com/EPguitars/proxycare/internal/config"
	"github.com/EPguitars/proxycare/internal/control"
	"github.com/EPguitars/proxycare/internal/database"
	"github.com/EPguitars/proxycare/internal/httpserver"
	"github.com/EPguitars/proxycare/internal/locks"
	"github.com/EPguitars/proxycare/internal/logging"
	"github.com/EPguitars/proxycare/internal/model"
	"github.com/EPguitars/proxycare/internal/observability"
	"github.com/EPguitars/proxycare/internal/pool"
	redisinit "github.com/EPguitars/proxycare/internal/redis"
	"github.com/EPguitars/proxycare/internal/refill"
	"github.com/EPguitars/proxycare/internal/registry"
	"github.com/EPguitars/proxycare/internal/scheduler"
	sentryinit "github.com/EPguitars/proxycare/internal/sentry"
	"github.com/EPguitars/proxycare/internal/session"
	"github.com/EPguitars/proxycare/internal/store"
	"github.com/EPguitars/proxycare/migrations"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, path := range []string{"cmd/proxybroker/.env", ".env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger := logging.New(cfg.Log.Level)
	logger.Info("starting proxy lease broker", slog.String("env", cfg.AppEnv))

	sentryHandler, err := sentryinit.Init(cfg.Sentry.DSN, cfg.Sentry.Environment, cfg.Sentry.Release)
	if err != nil {
		logger.Error("sentry init failed", slog.String("error", err.Error()))
	}
	if sentryinit.Enabled() {
		sentryinit.CaptureLifecycleEvent("startup", map[string]string{"app_env": cfg.AppEnv}, nil)
		defer func() {
			sentryinit.CaptureLifecycleEvent("shutdown", map[string]string{"app_env": cfg.AppEnv}, nil)
			sentryinit.Flush(5 * time.Second)
		}()
	}

	metrics := observability.NewMetrics(cfg.Prometheus.Namespace, prometheus.DefaultRegisterer)

	if err := database.EnsureDatabaseExists(ctx, cfg.Postgres.DSN, logger); err != nil {
		logger.Warn("ensure database exists failed, continuing with connect attempt",
			slog.String("error", err.Error()))
	}

	pgPool, err := database.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		logger.Error("postgres connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := migrations.Apply(ctx, pgPool, logger); err != nil {
		logger.Error("apply migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	redisClient := redisinit.NewClient(redisinit.Config{
		Addr:       cfg.Redis.Addr,
		Username:   cfg.Redis.Username,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	defer redisClient.Close()

	pgStore := store.NewPostgresStore(pgPool)
	warmCache := cache.New(redisClient, pgStore, cfg.Pool.CacheTTL, logger)
	poolMgr := pool.NewManager()
	lockMgr := locks.NewRedisManager(redisClient)
	proxyCodec := codec.New(cfg.Encryption.Key, logger)
	conns := registry.New(logger)

	refillCoord := refill.New(warmCache, pgStore, poolMgr, lockMgr, refill.Config{
		BatchSize:  cfg.Pool.RefillBatchSize,
		MaxRetries: cfg.Pool.RefillMaxRetries,
		LockTTL:    cfg.RedisLock.TTL,
	}, metrics, logger)

	sched := scheduler.New(func(sourceID int, rec model.ProxyRecord) {
		poolMgr.Get(sourceID).Push(rec)
		metrics.LeasesReturned.WithLabelValues(strconv.Itoa(sourceID)).Inc()
	}, logger)
	sched.Start(ctx)
	defer sched.Stop()

	if n, err := warmCache.LoadAllFromStore(ctx); err != nil {
		logger.Warn("initial cache warm failed", slog.String("error", err.Error()))
	} else {
		logger.Info("warmed cache from store", slog.Int("proxies", n))
	}

	sessionDeps := session.Deps{
		Secrets:            cfg.Auth.Secrets,
		Pools:              poolMgr,
		Sched:              sched,
		Registry:           conns,
		Refill:             refillCoord,
		Codec:              proxyCodec,
		Store:              pgStore,
		Cache:              warmCache,
		Metrics:            metrics,
		Log:                logger,
		RateLimitPerSecond: cfg.Pool.RateLimitPerSecond,
	}

	proxiesHandler := session.NewHandler(sessionDeps, session.Options{ForceRefresh: true, RequireActionStart: false})
	proxyMultiHandler := session.NewHandler(sessionDeps, session.Options{ForceRefresh: false, RequireActionStart: true})

	healthHandler := control.NewHealthHandler(pgPool, redisClient)
	poolHandler := control.NewPoolHandler(pgStore, warmCache, poolMgr, conns, logger)
	tokenHandler := control.NewTokenHandler(pgStore, time.Duration(cfg.Auth.AccessTokenExpireMinutes)*time.Minute, logger)

	router := control.NewRouter(control.RouterDeps{
		Logger:        logger,
		Metrics:       metrics,
		SentryHandler: sentryHandler,
		HealthHandler: healthHandler,
		PoolHandler:   poolHandler,
		TokenHandler:  tokenHandler,
		PartnerToken:  firstSecret(cfg.Auth.Secrets),
		ProxiesWS:     proxiesHandler.ServeHTTP,
		ProxyMultiWS:  proxyMultiHandler.ServeHTTP,
	})

	server := httpserver.NewServer(
		router,
		cfg.HTTP.Addr,
		cfg.HTTP.ReadHeaderTimeout,
		cfg.HTTP.ReadTimeout,
		cfg.HTTP.WriteTimeout,
		cfg.HTTP.IdleTimeout,
		cfg.HTTP.MaxHeaderBytes,
		logger,
	)

	if err := server.Run(ctx); err != nil {
		logger.Error("http server stopped", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
}

func firstSecret(secrets []string) string {
	if len(secrets) == 0 {
		return ""
	}
	return secrets[0]
}
