package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/config"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/intent"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/lock"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/obs"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/resilience"
)

// taskReconcile polls providers for intents stuck in a pending state.
const taskReconcile = "payment:reconcile"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	obs.MustRegisterDomainMetrics(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	providers := buildProviders(cfg, logger)
	intentSvc := &intent.Service{
		UoW:       intent.PgUnitOfWork{Pool: pool},
		Providers: providers,
		Locker:    lock.Locker{R: redisClient},
		Logger:    logger,
	}

	redisConn, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url for task queue")
	}

	batch := envInt("RECONCILE_BATCH_SIZE", 100)
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskReconcile, func(ctx context.Context, _ *asynq.Task) error {
		applied, err := intentSvc.Reconcile(ctx, cfg.ReconcileEvery, batch)
		if err != nil {
			logger.Error().Err(err).Msg("reconcile pending intents")
			return err
		}
		if applied > 0 {
			logger.Info().Int("settled", applied).Msg("reconciled pending intents")
		}
		return nil
	})

	scheduler := asynq.NewScheduler(redisConn, &asynq.SchedulerOpts{})
	spec := "@every " + cfg.ReconcileEvery.String()
	if _, err := scheduler.Register(spec, asynq.NewTask(taskReconcile, nil), asynq.MaxRetry(0)); err != nil {
		logger.Fatal().Err(err).Msg("register reconcile schedule")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	defer scheduler.Shutdown()

	srv := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: envInt("WORKER_CONCURRENCY", 2),
	})

	logger.Info().Str("every", cfg.ReconcileEvery.String()).Msg("worker starting")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped with error")
	}
	logger.Info().Msg("worker shutdown complete")
}

func buildProviders(cfg *config.Config, logger zerolog.Logger) provider.Registry {
	providers := provider.Registry{}
	newHTTP := func(target string) resilience.HTTPClient {
		return resilience.HTTPClient{
			Client:      &http.Client{Timeout: cfg.ProviderTimeout},
			Breaker:     resilience.NewBreaker(5, 0.5, 30*time.Second).WithTarget(target).WithLogger(logger),
			MaxAttempts: cfg.ProviderAttempts,
			BaseBackoff: 200 * time.Millisecond,
			Timeout:     cfg.ProviderTimeout,
		}
	}
	if cfg.Wave.Enabled {
		providers[provider.NameWave] = provider.Wave{
			APIKey:        cfg.Wave.APIKey,
			SecretKey:     cfg.Wave.SecretKey,
			WebhookSecret: cfg.Wave.WebhookSecret,
			BaseURL:       cfg.Wave.BaseURL(cfg.Sandbox),
			HTTP:          newHTTP(provider.NameWave),
		}
	}
	if cfg.Orange.Enabled {
		providers[provider.NameOrange] = provider.Orange{
			ClientID:     cfg.Orange.ClientID,
			ClientSecret: cfg.Orange.Secret,
			MerchantKey:  cfg.Orange.MerchantKey,
			BaseURL:      cfg.Orange.BaseURL(cfg.Sandbox),
			HTTP:         newHTTP(provider.NameOrange),
		}
	}
	return providers
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "momo-gateway-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}
