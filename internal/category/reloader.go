package category

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/ravenpos/internal/common"
	"github.com/noah-isme/ravenpos/internal/events"
	"github.com/noah-isme/ravenpos/internal/lock"
	"github.com/noah-isme/ravenpos/internal/obs"
	"github.com/noah-isme/ravenpos/internal/pricing"
)

const cacheKey = "ravenpos:categories:v1"

// aggregateID identifies the tax rate table in emitted events.
var aggregateID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ravenpos:tax-rates"))

// Reloader refreshes the shared rate table from the category feed. Readers
// keep pricing against the previous snapshot until Update swaps it.
type Reloader struct {
	Source  Lister
	Rates   *pricing.RateTable
	Cache   *Cache
	Locker  lock.Locker
	LockTTL time.Duration
	Events  *events.Bus
	Logger  *zerolog.Logger
}

// Reload loads categories, preferring the Redis copy, and applies them to
// the rate table. It returns the number of categories applied.
func (r *Reloader) Reload(ctx context.Context) (int, error) {
	if r == nil || r.Source == nil || r.Rates == nil {
		return 0, errors.New("category reloader not configured")
	}
	ctx, span := otel.Tracer("category.Reloader").Start(ctx, "Reloader.Reload")
	defer span.End()

	var cats []Category
	hit, err := r.Cache.GetJSON(ctx, cacheKey, &cats)
	if err != nil {
		r.log().Warn().Err(err).Msg("category cache read failed")
	}
	if !hit {
		cats, err = r.load(ctx)
		if err != nil {
			span.RecordError(err)
			recordReload("error")
			return 0, err
		}
	}
	span.SetAttributes(attribute.Int("categories", len(cats)), attribute.Bool("cache_hit", hit))

	r.Rates.Update(rateEntries(cats))
	recordReload("ok")
	if r.Events != nil {
		payload := map[string]any{"categories": len(cats), "cacheHit": hit}
		if _, err := r.Events.Emit(ctx, events.TopicTaxRatesReloaded, aggregateID, payload); err != nil {
			r.log().Warn().Err(err).Msg("emit tax rates reloaded")
		}
	}
	return len(cats), nil
}

// Refresh drops the cached copy and reloads from the source.
func (r *Reloader) Refresh(ctx context.Context) (int, error) {
	if r != nil {
		if err := r.Cache.Delete(ctx, cacheKey); err != nil {
			r.log().Warn().Err(err).Msg("category cache delete failed")
		}
	}
	return r.Reload(ctx)
}

// load reads the source and fills the cache. Only one process fills the
// cache at a time; the others read the source without writing.
func (r *Reloader) load(ctx context.Context) ([]Category, error) {
	var cats []Category
	fill := func(ctx context.Context) error {
		var err error
		cats, err = r.Source.ListCategories(ctx)
		if err != nil {
			return err
		}
		if err := r.Cache.SetJSON(ctx, cacheKey, cats); err != nil {
			r.log().Warn().Err(err).Msg("category cache write failed")
		}
		return nil
	}
	if r.Locker.R == nil {
		err := fill(ctx)
		return cats, err
	}
	err := r.Locker.TryWithLock(ctx, r.Locker.Key("categories", "reload"), r.LockTTL, fill)
	if errors.Is(err, lock.ErrNotAcquired) {
		return r.Source.ListCategories(ctx)
	}
	return cats, err
}

// Run reloads every interval until ctx is done.
func (r *Reloader) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reload(ctx); err != nil {
				r.log().Error().Err(err).Msg("reload categories")
			}
		}
	}
}

// HandleReload forces a reload and returns the resulting rate table.
func (r *Reloader) HandleReload(w http.ResponseWriter, req *http.Request) {
	n, err := r.Refresh(req.Context())
	if err != nil {
		common.JSONError(w, http.StatusBadGateway, "RELOAD_FAILED", "unable to reload categories", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"categories": n,
			"rates":      r.Rates.Snapshot(),
		},
	})
}

func (r *Reloader) log() *zerolog.Logger {
	if r.Logger == nil {
		l := zerolog.Nop()
		return &l
	}
	return r.Logger
}

func recordReload(result string) {
	if obs.CategoryReloadTotal != nil {
		obs.CategoryReloadTotal.WithLabelValues(result).Inc()
	}
}
