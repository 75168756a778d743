// Package testhelpers provides shared fixtures for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nlq/pkg/database"
)

// PostgresImage is PostgreSQL with the pgvector extension available.
const PostgresImage = "pgvector/pgvector:pg16"

// TestDB is a shared PostgreSQL container with migrations applied and a
// small target schema ("shop") for adapter tests.
type TestDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns the shared container, starting it on first use.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

// MigrationsPath returns the absolute path of the repository's migrations directory.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "nlq_test",
			"POSTGRES_USER":     "ekaya",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://ekaya:test_password@%s:%s/nlq_test?sslmode=disable",
		host, port.Port())

	sqlDB, err := database.OpenSQL(connStr)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, MigrationsPath(), zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, shopSchema); err != nil {
		return nil, fmt.Errorf("failed to seed shop schema: %w", err)
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 5,
		RegisterVector: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	return &TestDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
	}, nil
}

// Truncate empties the service tables between tests.
func (tdb *TestDB) Truncate(t *testing.T) {
	t.Helper()
	_, err := tdb.DB.Exec(context.Background(), `
		TRUNCATE nlq_feedback, nlq_attempts, nlq_sessions,
			nlq_rag_embeddings, nlq_rag_chunks, nlq_rag_documents,
			nlq_examples, nlq_synonyms, nlq_join_policies, nlq_semantic_mappings,
			nlq_catalog_indexes, nlq_catalog_relationships, nlq_catalog_columns, nlq_catalog_objects`)
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

const shopSchema = `
CREATE SCHEMA IF NOT EXISTS shop;

CREATE TABLE IF NOT EXISTS shop.customers (
    id   BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    region TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS shop.orders (
    id          BIGINT PRIMARY KEY,
    customer_id BIGINT NOT NULL REFERENCES shop.customers (id),
    total       NUMERIC(12,2) NOT NULL,
    placed_at   DATE NOT NULL
);

INSERT INTO shop.customers (id, name, region)
SELECT g, 'customer ' || g, CASE WHEN g % 2 = 0 THEN 'east' ELSE 'west' END
FROM generate_series(1, 50) g
ON CONFLICT DO NOTHING;

INSERT INTO shop.orders (id, customer_id, total, placed_at)
SELECT g, 1 + (g % 50), (g * 7 % 500) + 0.99, DATE '2024-01-01' + (g % 365)
FROM generate_series(1, 2000) g
ON CONFLICT DO NOTHING;

ANALYZE shop.customers;
ANALYZE shop.orders;
`
