package category

import (
	"context"

	"github.com/noah-isme/ravenpos/internal/pricing"
)

// Category is a merchandise category with its sales tax rate.
type Category struct {
	Name    string  `json:"name"`
	TaxRate float64 `json:"taxRate"`
}

// Lister loads the configured categories.
type Lister interface {
	ListCategories(ctx context.Context) ([]Category, error)
}

func rateEntries(categories []Category) []pricing.RateEntry {
	entries := make([]pricing.RateEntry, 0, len(categories))
	for _, c := range categories {
		entries = append(entries, pricing.RateEntry{Category: c.Name, Rate: c.TaxRate})
	}
	return entries
}
