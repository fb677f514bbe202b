package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/ravenpos/internal/category"
	"github.com/noah-isme/ravenpos/internal/inventory"
	"github.com/noah-isme/ravenpos/internal/pricing"
	"github.com/noah-isme/ravenpos/internal/sale"
)

// ErrNotFound is returned when an item row does not exist.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store is the Postgres persistence layer for checkout.
type Store struct {
	Pool *pgxpool.Pool
}

// New returns a Store over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) ready() error {
	if s == nil || s.Pool == nil {
		return errors.New("store not configured")
	}
	return nil
}

const itemColumns = `id, sku, name, variant_label, category, price, quantity, consignor_id,
sync_enabled, COALESCE(external_ref, ''), COALESCE(last_sync_source, ''), last_sync_at`

func scanItem(row pgx.Row) (inventory.Item, error) {
	var (
		it     inventory.Item
		source string
	)
	err := row.Scan(&it.ID, &it.SKU, &it.Name, &it.VariantLabel, &it.Category, &it.Price, &it.Quantity,
		&it.ConsignorID, &it.SyncEnabled, &it.ExternalRef, &source, &it.LastSyncAt)
	if err != nil {
		return inventory.Item{}, err
	}
	it.LastSyncSource = inventory.SyncSource(source)
	return it, nil
}

// ItemsByIDs loads items keyed by id. Missing ids are absent from the map.
func (s *Store) ItemsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]inventory.Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]inventory.Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ANY($1::uuid[])`, uuidStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out[it.ID] = it
	}
	return out, rows.Err()
}

// ItemByExternalRef loads the item linked to a storefront inventory reference.
// A bare numeric id also matches items stored with the gid form.
func (s *Store) ItemByExternalRef(ctx context.Context, ref string) (inventory.Item, error) {
	if err := s.ready(); err != nil {
		return inventory.Item{}, err
	}
	it, err := scanItem(s.Pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items
WHERE external_ref = $1 OR external_ref = 'gid://shopify/InventoryItem/' || $1 LIMIT 1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Item{}, fmt.Errorf("item with external ref %q: %w", ref, ErrNotFound)
	}
	return it, err
}

// InsertSale writes the sale row.
func (s *Store) InsertSale(ctx context.Context, rec sale.Sale) (sale.Sale, error) {
	if err := s.ready(); err != nil {
		return sale.Sale{}, err
	}
	discounts := rec.OrderDiscounts
	if discounts == nil {
		discounts = []pricing.Discount{}
	}
	encoded, err := json.Marshal(discounts)
	if err != nil {
		return sale.Sale{}, fmt.Errorf("encode order discounts: %w", err)
	}
	err = s.Pool.QueryRow(ctx, `INSERT INTO sales (id, subtotal, tax_amount, total, payment_method, cash_tendered,
change_given, payment_reference, customer_id, order_discounts, discount_total, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING created_at`,
		rec.ID, rec.Subtotal, rec.TaxAmount, rec.Total, string(rec.PaymentMethod), rec.CashTendered,
		rec.ChangeGiven, rec.PaymentReference, rec.CustomerID, encoded, rec.DiscountTotal, rec.CreatedAt,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return sale.Sale{}, err
	}
	return rec, nil
}

// CommissionSplits returns the current commission split for each known consignor.
func (s *Store) CommissionSplits(ctx context.Context, consignorIDs []uuid.UUID) (map[uuid.UUID]decimal.Decimal, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]decimal.Decimal, len(consignorIDs))
	if len(consignorIDs) == 0 {
		return out, nil
	}
	rows, err := s.Pool.Query(ctx, `SELECT id, commission_split FROM consignors WHERE id = ANY($1::uuid[])`, uuidStrings(consignorIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    uuid.UUID
			split decimal.Decimal
		)
		if err := rows.Scan(&id, &split); err != nil {
			return nil, err
		}
		out[id] = split
	}
	return out, rows.Err()
}

// InsertSaleItems writes all lines of a sale in one transaction.
func (s *Store) InsertSaleItems(ctx context.Context, items []sale.Item) ([]sale.Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, it := range items {
			var kind *string
			if it.DiscountKind != nil {
				k := string(*it.DiscountKind)
				kind = &k
			}
			batch.Queue(`INSERT INTO sale_items (id, sale_id, item_id, consignor_id, sku, name, unit_price, quantity,
commission_split, discount_kind, discount_value, discount_amount, discount_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				it.ID, it.SaleID, it.ItemID, it.ConsignorID, it.SKU, it.Name, it.UnitPrice, it.Quantity,
				it.CommissionSplit, kind, it.DiscountValue, it.DiscountAmount, it.DiscountReason)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// DecrementQuantity lowers on-hand stock, flooring at zero.
func (s *Store) DecrementQuantity(ctx context.Context, itemID uuid.UUID, qty int) error {
	if err := s.ready(); err != nil {
		return err
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE items SET quantity = GREATEST(quantity - $2, 0), updated_at = now() WHERE id = $1`, itemID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	return nil
}

// MarkLocalSync records that the item's stock was last changed by the register.
func (s *Store) MarkLocalSync(ctx context.Context, itemID uuid.UUID, at time.Time) error {
	return s.markSync(ctx, itemID, inventory.SourceLocal, at)
}

// SetQuantityFromRemote overwrites on-hand stock with the storefront's level.
func (s *Store) SetQuantityFromRemote(ctx context.Context, itemID uuid.UUID, qty int, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	if qty < 0 {
		qty = 0
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE items SET quantity = $2, last_sync_source = $3, last_sync_at = $4, updated_at = now()
WHERE id = $1`, itemID, qty, string(inventory.SourceShopify), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	return nil
}

func (s *Store) markSync(ctx context.Context, itemID uuid.UUID, source inventory.SyncSource, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE items SET last_sync_source = $2, last_sync_at = $3 WHERE id = $1`, itemID, string(source), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	return nil
}

// ListCategories returns every category with its tax rate.
func (s *Store) ListCategories(ctx context.Context) ([]category.Category, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.Pool.Query(ctx, `SELECT name, tax_rate::float8 FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (category.Category, error) {
		var c category.Category
		err := row.Scan(&c.Name, &c.TaxRate)
		return c, err
	})
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.Pool.Ping(ctx)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
