package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/ravenpos/internal/inventory"
)

// seedNamespace keeps seeded ids stable so the seeder can be rerun.
var seedNamespace = uuid.MustParse("6f1d3c1e-8b7a-4c39-9d55-0c2f8a1b7e42")

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close(context.Background())

	err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if err := seedCategories(ctx, tx); err != nil {
			return err
		}
		consignors, err := seedConsignors(ctx, tx)
		if err != nil {
			return err
		}
		return seedItems(ctx, tx, consignors)
	})
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Println("Seeding completed successfully!")
}

func seedID(kind, key string) uuid.UUID {
	return uuid.NewSHA1(seedNamespace, []byte(kind+":"+key))
}

func seedCategories(ctx context.Context, tx pgx.Tx) error {
	categories := []struct {
		Name string
		Rate string
	}{
		{"Other", "0.0530"},
		{"Clothing", "0.0530"},
		{"Books", "0.0000"},
		{"Grocery", "0.0250"},
		{"Art", "0.0600"},
	}
	fmt.Println("Seeding Categories...")
	for _, c := range categories {
		_, err := tx.Exec(ctx, `INSERT INTO categories (name, tax_rate) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET tax_rate = EXCLUDED.tax_rate, updated_at = now()`,
			c.Name, decimal.RequireFromString(c.Rate))
		if err != nil {
			return fmt.Errorf("category %s: %w", c.Name, err)
		}
	}
	return nil
}

func seedConsignors(ctx context.Context, tx pgx.Tx) (map[string]uuid.UUID, error) {
	consignors := []inventory.Consignor{
		{Name: "Maple Street Vintage", CommissionSplit: decimal.RequireFromString("0.6000")},
		{Name: "Harbor Ceramics", CommissionSplit: decimal.RequireFromString("0.7000")},
	}
	fmt.Println("Seeding Consignors...")
	ids := make(map[string]uuid.UUID, len(consignors))
	for _, c := range consignors {
		c.ID = seedID("consignor", c.Name)
		_, err := tx.Exec(ctx, `INSERT INTO consignors (id, name, commission_split) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, commission_split = EXCLUDED.commission_split`,
			c.ID, c.Name, c.CommissionSplit)
		if err != nil {
			return nil, fmt.Errorf("consignor %s: %w", c.Name, err)
		}
		ids[c.Name] = c.ID
	}
	return ids, nil
}

func seedItems(ctx context.Context, tx pgx.Tx, consignors map[string]uuid.UUID) error {
	items := []struct {
		SKU       string
		Name      string
		Variant   string
		Category  string
		Price     string
		Quantity  int
		Consignor string
		Ref       string
	}{
		{"TEE-BLK-M", "Raven Tee", "Black / M", "Clothing", "20.00", 24, "", "gid://shopify/InventoryItem/44001"},
		{"TEE-BLK-L", "Raven Tee", "Black / L", "Clothing", "20.00", 18, "", "gid://shopify/InventoryItem/44002"},
		{"BK-ZINE-01", "Night Birds Zine", "", "Books", "8.50", 40, "", ""},
		{"GR-COFFEE", "House Blend Coffee 12oz", "", "Grocery", "14.00", 30, "", "gid://shopify/InventoryItem/44010"},
		{"VIN-JKT-07", "Vintage Denim Jacket", "", "Clothing", "65.00", 1, "Maple Street Vintage", ""},
		{"CER-MUG-03", "Hand Thrown Mug", "Speckled", "Art", "32.00", 6, "Harbor Ceramics", ""},
		{"MISC-TOTE", "Canvas Tote", "", "", "12.00", 50, "", ""},
	}
	fmt.Println("Seeding Items...")
	for _, it := range items {
		var consignorID *uuid.UUID
		if it.Consignor != "" {
			id := consignors[it.Consignor]
			consignorID = &id
		}
		var ref *string
		if it.Ref != "" {
			ref = &it.Ref
		}
		category := it.Category
		if category == "" {
			category = "Other"
		}
		_, err := tx.Exec(ctx, `INSERT INTO items (id, sku, name, variant_label, category, price, quantity, consignor_id, sync_enabled, external_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (sku) DO UPDATE SET name = EXCLUDED.name, variant_label = EXCLUDED.variant_label,
category = EXCLUDED.category, price = EXCLUDED.price, quantity = EXCLUDED.quantity, updated_at = now()`,
			seedID("item", it.SKU), it.SKU, it.Name, it.Variant, category, decimal.RequireFromString(it.Price),
			it.Quantity, consignorID, ref != nil, ref)
		if err != nil {
			return fmt.Errorf("item %s: %w", it.SKU, err)
		}
	}
	return nil
}
