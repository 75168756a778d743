//go:build integration

package testhelpers

import (
	"context"
	"testing"
)

func TestTestDB_MigrationsApplied(t *testing.T) {
	tdb := GetTestDB(t)
	ctx := context.Background()

	var n int
	err := tdb.DB.QueryRow(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name LIKE 'nlq_%'").
		Scan(&n)
	if err != nil {
		t.Fatalf("failed to count tables: %v", err)
	}
	if n < 14 {
		t.Errorf("expected all nlq_ tables, got %d", n)
	}

	var ext string
	if err := tdb.DB.QueryRow(ctx, "SELECT extname FROM pg_extension WHERE extname = 'vector'").Scan(&ext); err != nil {
		t.Fatalf("vector extension missing: %v", err)
	}
}

func TestTestDB_ShopSchema(t *testing.T) {
	tdb := GetTestDB(t)

	var count int
	if err := tdb.DB.QueryRow(context.Background(), "SELECT COUNT(*) FROM shop.orders").Scan(&count); err != nil {
		t.Fatalf("failed to count orders: %v", err)
	}
	if count != 2000 {
		t.Errorf("expected 2000 orders, got %d", count)
	}
}

func TestTestDB_SchemaVersionRecorded(t *testing.T) {
	tdb := GetTestDB(t)

	var version int64
	var dirty bool
	err := tdb.DB.QueryRow(context.Background(),
		"SELECT version, dirty FROM nlq_schema_migrations").Scan(&version, &dirty)
	if err != nil {
		t.Fatalf("failed to read schema version: %v", err)
	}
	if version != 3 || dirty {
		t.Errorf("expected clean version 3, got %d (dirty=%v)", version, dirty)
	}
}
