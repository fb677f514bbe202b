package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// HeaderIdempotencyKey carries the client supplied request key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotentReplay marks a response served from the idempotency store.
const HeaderIdempotentReplay = "Idempotent-Replay"

const idemPending = "pending"

// Idem provides an Idempotency-Key middleware backed by Redis. The first
// request for a key runs the handler and stores its response; repeats get the
// stored response back. Server errors release the key so the client may retry.
type Idem struct {
	R      *redis.Client
	TTL    time.Duration
	Prefix string
}

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// Key returns the Redis key holding the response for an Idempotency-Key
// header value.
func (i Idem) Key(header string) string {
	prefix := i.Prefix
	if prefix == "" {
		prefix = "ravenpos:idem:"
	}
	sum := sha256.Sum256([]byte(header))
	return prefix + hex.EncodeToString(sum[:])
}

func (i Idem) ttl() time.Duration {
	if i.TTL <= 0 {
		return 24 * time.Hour
	}
	return i.TTL
}

// Middleware enforces idempotency semantics for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		key := i.Key(header)
		ok, err := i.R.SetNX(ctx, key, idemPending, i.ttl()).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
			return
		}
		if !ok {
			i.replay(ctx, w, key)
			return
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		released := false
		defer func() {
			if !released {
				_ = i.R.Del(context.Background(), key).Err()
			}
		}()
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError {
			return
		}
		encoded, err := json.Marshal(storedResponse{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		if err != nil {
			return
		}
		if err := i.R.Set(context.Background(), key, encoded, i.ttl()).Err(); err == nil {
			released = true
		}
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key string) {
	raw, err := i.R.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", nil)
		return
	}
	if raw == "" || raw == idemPending {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_IN_PROGRESS", "a request with this idempotency key is still being processed", nil)
		return
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
		return
	}
	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(HeaderIdempotentReplay, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}
