package pricing

import (
	"strings"
	"sync"
)

// FallbackCategory is the category consulted when an item's category has no rate.
const FallbackCategory = "Other"

// RateProvider resolves the tax rate applied to a category.
type RateProvider interface {
	RateFor(category string) float64
}

// RateEntry is a single category/rate pair from the category configuration feed.
type RateEntry struct {
	Category string
	Rate     float64
}

// RateTable is a concurrency-safe category tax rate lookup. Updates replace
// the whole snapshot so readers see either the old or the new rate for a
// category, never a partial write.
type RateTable struct {
	mu          sync.RWMutex
	rates       map[string]float64
	fallback    string
	defaultRate float64
}

// NewRateTable builds a table seeded with entries. defaultRate applies when
// neither the category nor the fallback category is known.
func NewRateTable(defaultRate float64, entries ...RateEntry) *RateTable {
	t := &RateTable{
		rates:       make(map[string]float64, len(entries)),
		fallback:    FallbackCategory,
		defaultRate: clampRate(defaultRate),
	}
	t.Update(entries)
	return t
}

// WithFallback overrides the fallback category name.
func (t *RateTable) WithFallback(category string) *RateTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	if trimmed := strings.TrimSpace(category); trimmed != "" {
		t.fallback = trimmed
	}
	return t
}

// RateFor returns the rate for category, falling back to the fallback
// category and finally to the default rate.
func (t *RateTable) RateFor(category string) float64 {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rate, ok := t.rates[normaliseCategory(category)]; ok {
		return rate
	}
	if rate, ok := t.rates[normaliseCategory(t.fallback)]; ok {
		return rate
	}
	return t.defaultRate
}

// Update overwrites the provided entries. Categories absent from entries keep
// their previous rate; there is no removal.
func (t *RateTable) Update(entries []RateEntry) {
	if len(entries) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	next := make(map[string]float64, len(t.rates)+len(entries))
	for k, v := range t.rates {
		next[k] = v
	}
	for _, e := range entries {
		key := normaliseCategory(e.Category)
		if key == "" {
			continue
		}
		next[key] = clampRate(e.Rate)
	}
	t.rates = next
}

// Snapshot returns a copy of the known rates keyed by normalised category.
func (t *RateTable) Snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.rates))
	for k, v := range t.rates {
		out[k] = v
	}
	return out
}

func normaliseCategory(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

func clampRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}
