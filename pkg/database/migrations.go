package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"go.uber.org/zap"
)

// migrationsTable keeps the engine store's schema version apart from any
// other tool sharing the database.
const migrationsTable = "nlq_schema_migrations"

// ErrDirtyMigration is returned when a previous migration failed halfway.
// The schema must be repaired by hand and the version forced before the
// service can start.
var ErrDirtyMigration = errors.New("engine store schema is dirty")

// OpenSQL opens a database/sql handle for golang-migrate.
func OpenSQL(url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	return db, nil
}

// RunMigrations brings the engine store schema up to date with the files in
// migrationsPath. Already applied migrations are skipped.
func RunMigrations(db *sql.DB, migrationsPath string, logger *zap.Logger) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("Failed to close migration source", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("Failed to close migration database", zap.Error(dbErr))
		}
	}()

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case dirty:
		return fmt.Errorf("%w at version %d", ErrDirtyMigration, from)
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("Engine store schema is up to date", zap.Uint("version", from))
		return nil
	}
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	to, _, _ := m.Version()
	logger.Info("Applied engine store migrations",
		zap.Uint("from_version", from),
		zap.Uint("to_version", to))
	return nil
}
