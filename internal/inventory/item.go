package inventory

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SyncSource records which side last changed an item's stock level.
type SyncSource string

const (
	// SourceLocal marks changes originating in the register.
	SourceLocal SyncSource = "local"
	// SourceShopify marks changes applied from the storefront.
	SourceShopify SyncSource = "shopify"
)

// Item is a stocked inventory item as seen by checkout.
type Item struct {
	ID             uuid.UUID       `json:"id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	VariantLabel   string          `json:"variantLabel,omitempty"`
	Category       string          `json:"category"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int             `json:"quantity"`
	ConsignorID    *uuid.UUID      `json:"consignorId,omitempty"`
	SyncEnabled    bool            `json:"syncEnabled"`
	ExternalRef    string          `json:"externalRef,omitempty"`
	LastSyncSource SyncSource      `json:"lastSyncSource,omitempty"`
	LastSyncAt     *time.Time      `json:"lastSyncAt,omitempty"`
}

// DisplayName is the item name with the variant label appended when present.
func (it Item) DisplayName() string {
	variant := strings.TrimSpace(it.VariantLabel)
	if variant == "" {
		return it.Name
	}
	return it.Name + " - " + variant
}

// Syncable reports whether stock changes should be pushed to the storefront.
func (it Item) Syncable() bool {
	return it.SyncEnabled && strings.TrimSpace(it.ExternalRef) != ""
}

// Consignor supplies consigned items and earns a commission split on sales.
type Consignor struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	CommissionSplit decimal.Decimal `json:"commissionSplit"`
}

// Adjustment is a relative stock change pushed to the storefront. Origin and
// OriginatedAt travel with the change so the receiving side can recognise its
// own echo.
type Adjustment struct {
	ItemID         uuid.UUID  `json:"itemId"`
	ExternalRef    string     `json:"externalRef"`
	Delta          int        `json:"delta"`
	Origin         SyncSource `json:"origin"`
	OriginatedAt   time.Time  `json:"originatedAt"`
	IdempotencyKey string     `json:"idempotencyKey"`
}
