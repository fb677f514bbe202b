package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Storefront sync modes.
const (
	SyncInline = "inline"
	SyncQueue  = "queue"
	SyncOff    = "off"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	AdminAPIToken      string
	RunMigrations      bool

	DefaultTaxRate         float64
	TaxFallbackCategory    string
	CategoryReloadInterval time.Duration
	CategoryCacheTTL       time.Duration

	SyncMode             string
	ShopifyShopURL       string
	ShopifyAccessToken   string
	ShopifyLocationID    string
	ShopifyWebhookSecret string
	SyncEchoWindow       time.Duration

	OutboundTimeout     time.Duration
	RetryMaxAttempts    int
	RetryBase           time.Duration
	RetryJitter         float64
	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration

	RateLimitRequests int64
	RateLimitPeriod   time.Duration
	IdempotencyTTL    time.Duration
	LockTTL           time.Duration
	LockRetryBackoff  time.Duration
	QueueConcurrency  int
	QueueMaxRetry     int
	BodyLimitBytes    int64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		AdminAPIToken:      strings.TrimSpace(k.String("ADMIN_API_TOKEN")),
		RunMigrations:      parseBoolDefault(k.String("RUN_MIGRATIONS"), true),

		DefaultTaxRate:         parseFloat(k.String("DEFAULT_TAX_RATE"), 0),
		TaxFallbackCategory:    valueOrDefault(k.String("TAX_FALLBACK_CATEGORY"), "Other"),
		CategoryReloadInterval: parseDuration(k.String("CATEGORY_RELOAD_INTERVAL"), "5m"),
		CategoryCacheTTL:       parseDuration(k.String("CATEGORY_CACHE_TTL"), "10m"),

		SyncMode:             strings.ToLower(valueOrDefault(k.String("SYNC_MODE"), SyncOff)),
		ShopifyShopURL:       strings.TrimSpace(k.String("SHOPIFY_SHOP_URL")),
		ShopifyAccessToken:   k.String("SHOPIFY_ACCESS_TOKEN"),
		ShopifyLocationID:    strings.TrimSpace(k.String("SHOPIFY_LOCATION_ID")),
		ShopifyWebhookSecret: k.String("SHOPIFY_WEBHOOK_SECRET"),
		SyncEchoWindow:       parseDuration(k.String("SYNC_ECHO_WINDOW"), "10s"),

		OutboundTimeout:     parseDuration(k.String("OUTBOUND_TIMEOUT"), "5s"),
		RetryMaxAttempts:    parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryBase:           parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryJitter:         parseFloat(k.String("RETRY_JITTER"), 0.2),
		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 5),
		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		RateLimitRequests: int64(parseInt(k.String("RATE_LIMIT_REQUESTS"), 120)),
		RateLimitPeriod:   parseDuration(k.String("RATE_LIMIT_PERIOD"), "1m"),
		IdempotencyTTL:    parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		LockTTL:           parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff:  parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		QueueConcurrency:  parseInt(k.String("QUEUE_CONCURRENCY"), 10),
		QueueMaxRetry:     parseInt(k.String("QUEUE_MAX_RETRY"), 8),
		BodyLimitBytes:    int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.DefaultTaxRate < 0 || cfg.DefaultTaxRate > 1 {
		return nil, fmt.Errorf("DEFAULT_TAX_RATE must be between 0 and 1, got %v", cfg.DefaultTaxRate)
	}
	switch cfg.SyncMode {
	case SyncOff:
	case SyncInline, SyncQueue:
		if cfg.ShopifyShopURL == "" || cfg.ShopifyLocationID == "" {
			return nil, fmt.Errorf("SYNC_MODE=%s requires SHOPIFY_SHOP_URL and SHOPIFY_LOCATION_ID", cfg.SyncMode)
		}
	default:
		return nil, fmt.Errorf("SYNC_MODE must be one of inline, queue, off; got %q", cfg.SyncMode)
	}

	return cfg, nil
}

// SyncEnabled reports whether stock changes are pushed to the storefront.
func (c *Config) SyncEnabled() bool {
	return c.SyncMode == SyncInline || c.SyncMode == SyncQueue
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return n
	}
	return fallback
}

func parseFloat(value string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		return f
	}
	return fallback
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
