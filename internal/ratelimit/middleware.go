package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/noah-isme/ravenpos/internal/common"
)

const defaultPrefix = "ravenpos:ratelimit"

// NewRedisStore wires a limiter store backed by Redis so every API instance
// shares the same counters.
func NewRedisStore(rdb *redis.Client, prefix string) (limiter.Store, error) {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
}

// NewMemoryStore returns a process-local store.
func NewMemoryStore() limiter.Store {
	return memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: defaultPrefix, CleanUpInterval: time.Minute})
}

// New builds a limiter allowing requests per period.
func New(store limiter.Store, requests int64, period time.Duration) *limiter.Limiter {
	return limiter.New(store, limiter.Rate{Period: period, Limit: requests})
}

// Handler enforces rate limits before delegating to the next handler.
type Handler struct {
	Limiter *limiter.Limiter
	// Key derives the bucket for a request. Defaults to the client IP.
	Key     func(*http.Request) string
	OnError func(error)
}

var rejected metric.Int64Counter

func init() {
	c, err := otel.Meter("ravenpos/ratelimit").Int64Counter("ratelimit.rejected",
		metric.WithDescription("Requests rejected by the rate limiter."))
	if err == nil {
		rejected = c
	}
}

// Middleware implements the http.Handler middleware interface. Store errors
// fail open.
func (h Handler) Middleware(next http.Handler) http.Handler {
	if h.Limiter == nil {
		return next
	}
	keyFn := h.Key
	if keyFn == nil {
		keyFn = common.ClientIP
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		lctx, err := h.Limiter.Get(ctx, keyFn(r))
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		headers.Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			retryAfter := time.Until(time.Unix(lctx.Reset, 0)).Seconds()
			if retryAfter < 0 {
				retryAfter = 0
			}
			headers.Set("Retry-After", strconv.Itoa(int(retryAfter)))
			if rejected != nil {
				rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("method", r.Method)))
			}
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
