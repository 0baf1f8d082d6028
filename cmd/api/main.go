package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	validator "github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/app"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/audit"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/auth"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/checkout"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/common"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/config"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/health"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/intent"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/lock"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/obs"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/ratelimit"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/refund"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/resilience"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/security"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/stats"
	"github.com/massamba-mbaye/mobile-money-gateway/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "momo-gateway-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "momo-gateway-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	if envBool("DB_AUTO_MIGRATE", true) {
		if err := app.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	providers := buildProviders(cfg, logger)
	if len(providers) == 0 {
		logger.Fatal().Msg("no payment provider enabled")
	}

	uow := intent.PgUnitOfWork{Pool: pool}
	intentSvc := &intent.Service{
		UoW:       uow,
		Providers: providers,
		Locker:    lock.Locker{R: redisClient},
		Logger:    logger,
	}

	validate := validator.New()

	checkoutSvc := &checkout.Service{
		UoW:            uow,
		Providers:      providers,
		Validate:       validate,
		Logger:         logger,
		PublicBaseURL:  cfg.PublicBaseURL,
		OperatorRegion: cfg.Orange.CountryCode,
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc}

	webhookHandler := &webhook.Handler{
		Providers: providers,
		Intents:   intentSvc,
		Replay:    webhook.RedisReplay{R: redisClient, TTL: cfg.IntentTTL},
		Logger:    logger,
	}

	refundHandler := &refund.Handler{
		Coordinator: &refund.Coordinator{UoW: uow, Providers: providers, Logger: logger},
		Validate:    validate,
	}

	statsSvc := &stats.Service{
		Q:            stats.NewPgQuerier(pool),
		R:            redisClient,
		TTL:          cfg.StatsCacheTTL,
		DefaultRange: 30,
	}
	statsHandler := &stats.Handler{Svc: statsSvc}

	auditHandler := audit.Handler{Store: audit.NewPgStore(pool)}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   envOrDefault("JWT_ISSUER", ""),
		Audience: envOrDefault("JWT_AUDIENCE", ""),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise token verifier")
	}
	authMiddleware := auth.Middleware{Verifier: verifier}

	idem := common.Idem{R: redisClient, TTL: cfg.IntentTTL}

	webhookLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "rl:wh"},
		Config: ratelimit.Config{
			Key:    func(r *http.Request) string { return common.ClientIP(r) },
			Window: time.Minute,
			Max:    envInt("WEBHOOK_RATE_LIMIT_PER_MINUTE", 120),
		},
		OnError: func(err error) { logger.Error().Err(err).Msg("webhook rate limit") },
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(obs.Namespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(security.Headers{Enable: envBool("SECURE_HEADERS", true), EnableHSTS: envBool("SECURE_HSTS", false)}.Middleware)
	r.Use(security.BodyLimit{Max: 1 << 20}.Middleware)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", true) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Route("/payments", func(p chi.Router) {
			p.With(idem.Middleware).Post("/initiate", checkoutHandler.Initiate)
			p.Get("/{orderId}/status", checkoutHandler.Status)
			p.With(authMiddleware.RequireAuth).Post("/{orderId}/refund", refundHandler.Refund)
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMiddleware.RequireAuth)
			admin.Get("/stats/providers", statsHandler.Providers)
			admin.Get("/stats/daily", statsHandler.Daily)
			admin.Get("/payments/{orderId}/events", auditHandler.List)
		})
	})

	r.With(webhookLimit.Middleware).Post("/webhooks/payment/{provider}", webhookHandler.Receive)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Bool("sandbox", cfg.Sandbox).Msg("server starting")
		serverErr <- srv.ListenAndServe()
	}()

	stop, stopCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopCancel()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-stop.Done():
		health.SetReady(false)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
		logger.Info().Msg("server stopped")
	}
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

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
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

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
