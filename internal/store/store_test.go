package store

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ravenpos/internal/category"
	"github.com/noah-isme/ravenpos/internal/sale"
)

var (
	_ sale.Store      = (*Store)(nil)
	_ sale.ItemLookup = (*Store)(nil)
	_ category.Lister = (*Store)(nil)
)

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/pos?sslmode=disable", migrateURL("postgres://u:p@localhost:5432/pos?sslmode=disable"))
	require.Equal(t, "pgx5://localhost/pos", migrateURL("postgresql://localhost/pos"))
	require.Equal(t, "pgx5://localhost/pos", migrateURL("pgx5://localhost/pos"))
}

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	require.NoError(t, err)
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	require.Positive(t, ups)
	require.Equal(t, ups, downs)

	body, err := fs.ReadFile(migrationFS, "migrations/0001_init.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"categories", "consignors", "items", "sales", "sale_items", "domain_events"} {
		require.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()
	_, err := s.ItemsByIDs(ctx, []uuid.UUID{uuid.New()})
	require.Error(t, err)
	require.Error(t, s.DecrementQuantity(ctx, uuid.New(), 1))
	require.Error(t, s.MarkLocalSync(ctx, uuid.New(), time.Now()))
	_, err = New(nil).ListCategories(ctx)
	require.Error(t, err)
}
