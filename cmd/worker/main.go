package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ravenpos/internal/config"
	"github.com/noah-isme/ravenpos/internal/events"
	"github.com/noah-isme/ravenpos/internal/lock"
	"github.com/noah-isme/ravenpos/internal/obs"
	"github.com/noah-isme/ravenpos/internal/resilience"
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
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	if cfg.SyncMode != config.SyncQueue {
		logger.Info().Str("sync_mode", cfg.SyncMode).Msg("queue sync disabled; worker has nothing to do")
		return
	}

	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "ravenpos"), nil)
	if err := resilience.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logger.Error().Err(err).Msg("register breaker metrics")
	}

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		ServiceName:    "ravenpos-worker",
		ServiceVersion: envOrDefault("APP_VERSION", "dev"),
		Endpoint:       envOrDefault("OBS_OTLP_ENDPOINT", ""),
		Exporter:       envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
		Environment:    cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisOpts, redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	db := store.New(pool)
	bus := &events.Bus{
		Store:     events.PGStore{Pool: pool},
		Notifiers: []events.Notifier{events.RedisPublisher{Client: redisClient}},
	}
	breaker := resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRatio, cfg.CircuitOpenFor).
		WithTarget("shopify").
		WithLogger(logger)

	worker := &shopify.Worker{
		Pusher: &shopify.Client{
			ShopURL:     cfg.ShopifyShopURL,
			AccessToken: cfg.ShopifyAccessToken,
			LocationID:  cfg.ShopifyLocationID,
			Secret:      cfg.ShopifyWebhookSecret,
			HTTP: resilience.HTTPClient{
				Client:      shopify.NewHTTPClient(cfg.OutboundTimeout),
				Breaker:     breaker,
				BaseBackoff: cfg.RetryBase,
				MaxAttempts: cfg.RetryMaxAttempts,
				Jitter:      cfg.RetryJitter,
				Timeout:     cfg.OutboundTimeout,
			},
		},
		Inbound: &shopify.InboundApplier{
			Items:    db,
			Guard:    shopify.LoopGuard{Window: cfg.SyncEchoWindow},
			Locker:   lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
			LockTTL:  cfg.LockTTL,
			Events:   bus,
			Logger:   &logger,
			NotFound: store.IsNotFound,
		},
		Markers: db,
		Logger:  &logger,
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{
		Addr:      redisOpts.Addr,
		Username:  redisOpts.Username,
		Password:  redisOpts.Password,
		DB:        redisOpts.DB,
		TLSConfig: redisOpts.TLSConfig,
	}, asynq.Config{
		Concurrency: cfg.QueueConcurrency,
		Queues:      map[string]int{shopify.QueueSync: 1},
		Logger:      asynqLogger{l: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn().Err(err).Str("task", task.Type()).Int("retry", retried).Int("max_retry", maxRetry).Msg("sync task failed")
		}),
	})
	mux := asynq.NewServeMux()
	worker.Register(mux)

	logger.Info().Int("concurrency", cfg.QueueConcurrency).Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	<-ctx.Done()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
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
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "ravenpos-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*redis.Options, *redis.Client) {
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
	return redisOpts, redisClient
}

// asynqLogger routes asynq's internal logs through zerolog.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...any) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal().Msg(fmt.Sprint(args...)) }

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
