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
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ravenpos/internal/category"
	"github.com/noah-isme/ravenpos/internal/common"
	"github.com/noah-isme/ravenpos/internal/config"
	"github.com/noah-isme/ravenpos/internal/events"
	"github.com/noah-isme/ravenpos/internal/health"
	"github.com/noah-isme/ravenpos/internal/lock"
	"github.com/noah-isme/ravenpos/internal/obs"
	"github.com/noah-isme/ravenpos/internal/pricing"
	"github.com/noah-isme/ravenpos/internal/ratelimit"
	"github.com/noah-isme/ravenpos/internal/resilience"
	"github.com/noah-isme/ravenpos/internal/sale"
	"github.com/noah-isme/ravenpos/internal/security"
	"github.com/noah-isme/ravenpos/internal/shopify"
	"github.com/noah-isme/ravenpos/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Str("component", "api").Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "ravenpos")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	if err := resilience.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.Error().Err(err).Msg("register breaker metrics")
	}

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:    "ravenpos-api",
			ServiceVersion: envOrDefault("APP_VERSION", "dev"),
			Endpoint:       envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:       envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio:  envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:    cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "ravenpos-api"

	pool, err := pgxpool.NewWithConfig(startCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(startCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
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
	if err := redisClient.Ping(startCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	db := store.New(pool)
	locker := lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff}
	bus := &events.Bus{
		Store:     events.PGStore{Pool: pool},
		Notifiers: []events.Notifier{events.RedisPublisher{Client: redisClient}},
	}

	rates := pricing.NewRateTable(cfg.DefaultTaxRate).WithFallback(cfg.TaxFallbackCategory)
	reloaderLogger := logger.With().Str("component", "category_reloader").Logger()
	reloader := &category.Reloader{
		Source:  db,
		Rates:   rates,
		Cache:   category.NewCache(redisClient, cfg.CategoryCacheTTL),
		Locker:  locker,
		LockTTL: cfg.LockTTL,
		Events:  bus,
		Logger:  &reloaderLogger,
	}
	if n, err := reloader.Reload(startCtx); err != nil {
		logger.Error().Err(err).Msg("initial category reload; pricing with default tax rate")
	} else {
		logger.Info().Int("categories", n).Msg("tax rates loaded")
	}
	go reloader.Run(ctx, cfg.CategoryReloadInterval)

	saleLogger := logger.With().Str("component", "sale").Logger()
	saleService := &sale.Service{
		Store:  db,
		Events: bus,
		Logger: &saleLogger,
	}
	syncLogger := logger.With().Str("component", "sync").Logger()
	var (
		inboundSink shopify.InboundSink
		syncBreaker *resilience.Breaker
	)
	switch cfg.SyncMode {
	case config.SyncInline:
		syncBreaker = newSyncBreaker(cfg, syncLogger)
		saleService.Pusher = newShopifyClient(cfg, syncBreaker)
		inboundSink = &shopify.InboundApplier{
			Items:    db,
			Guard:    shopify.LoopGuard{Window: cfg.SyncEchoWindow},
			Locker:   locker,
			LockTTL:  cfg.LockTTL,
			Events:   bus,
			Logger:   &syncLogger,
			NotFound: store.IsNotFound,
		}
	case config.SyncQueue:
		taskClient := asynq.NewClient(asynq.RedisClientOpt{
			Addr:      redisOpts.Addr,
			Username:  redisOpts.Username,
			Password:  redisOpts.Password,
			DB:        redisOpts.DB,
			TLSConfig: redisOpts.TLSConfig,
		})
		defer func() {
			if err := taskClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close task client")
			}
		}()
		queued := &shopify.QueuedPusher{Client: taskClient, MaxRetry: cfg.QueueMaxRetry}
		saleService.Pusher = queued
		inboundSink = queued
	}
	logger.Info().Str("sync_mode", cfg.SyncMode).Msg("storefront sync configured")

	saleHandler := &sale.Handler{
		Svc:      saleService,
		Items:    db,
		Rates:    rates,
		Validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	webhookHandler := &shopify.WebhookHandler{
		Secret:  cfg.ShopifyWebhookSecret,
		Sink:    inboundSink,
		MaxBody: cfg.BodyLimitBytes,
	}
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	limiterStore, err := ratelimit.NewRedisStore(redisClient, "")
	if err != nil {
		logger.Error().Err(err).Msg("rate limiter redis store; falling back to memory")
		limiterStore = ratelimit.NewMemoryStore()
	}
	rateLimit := ratelimit.Handler{
		Limiter: ratelimit.New(limiterStore, cfg.RateLimitRequests, cfg.RateLimitPeriod),
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: envBool("SECURE_HEADERS_ENABLE", true), EnableHSTS: envBool("SECURE_HSTS_ENABLE", false)}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", common.HeaderIdempotencyKey},
		ExposedHeaders: []string{"X-Request-Id", common.HeaderIdempotentReplay, "Retry-After"},
		MaxAge:         300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	if syncBreaker != nil {
		healthHandler.SyncState = func() string { return syncBreaker.State().String() }
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

		v.Group(func(till chi.Router) {
			till.Use(rateLimit.Middleware)
			till.Post("/cart/quote", saleHandler.Quote)
			till.With(idem.Middleware).Post("/sales", saleHandler.Complete)
		})

		v.Post("/webhooks/shopify/inventory", webhookHandler.Handle)

		v.With(security.AdminToken{Token: cfg.AdminAPIToken}.Middleware).
			Post("/admin/categories/reload", reloader.HandleReload)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	health.SetReady(true)
	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func newSyncBreaker(cfg *config.Config, logger zerolog.Logger) *resilience.Breaker {
	return resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
		WithTarget("shopify").
		WithLogger(logger)
}

func newShopifyClient(cfg *config.Config, breaker *resilience.Breaker) *shopify.Client {
	return &shopify.Client{
		ShopURL:     cfg.ShopifyShopURL,
		AccessToken: cfg.ShopifyAccessToken,
		LocationID:  cfg.ShopifyLocationID,
		Secret:      cfg.ShopifyWebhookSecret,
		HTTP: shopify.SingleAttempt(resilience.HTTPClient{
			Client:  shopify.NewHTTPClient(cfg.OutboundTimeout),
			Breaker: breaker,
			Timeout: cfg.OutboundTimeout,
		}),
	}
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
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
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
