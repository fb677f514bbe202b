package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by TryWithLock when another holder owns the key.
var ErrNotAcquired = errors.New("lock: held elsewhere")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Locker provides a Redis-backed distributed lock shared by API and worker
// processes.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
	Prefix       string
}

// Key namespaces a lock name, e.g. Key("item", id) -> "ravenpos:lock:item:<id>".
func (l Locker) Key(parts ...string) string {
	prefix := strings.TrimSpace(l.Prefix)
	if prefix == "" {
		prefix = "ravenpos"
	}
	return prefix + ":lock:" + strings.Join(parts, ":")
}

// WithLock runs fn while holding key, waiting until the lock frees up or ctx
// is done. The lock is released even if fn fails.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if err := l.check(fn); err != nil {
		return err
	}
	token := uuid.NewString()
	ttl = normaliseTTL(ttl)
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			defer l.release(context.Background(), key, token)
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryWithLock runs fn only if key is free right now. It returns
// ErrNotAcquired without calling fn otherwise.
func (l Locker) TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if err := l.check(fn); err != nil {
		return err
	}
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, normaliseTTL(ttl)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	defer l.release(context.Background(), key, token)
	return fn(ctx)
}

func (l Locker) check(fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	return nil
}

func normaliseTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 30 * time.Second
	}
	return ttl
}

func (l Locker) release(ctx context.Context, key, token string) {
	if err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
