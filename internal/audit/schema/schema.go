// Package schema embeds the audit store's SQL DDL and applies it with
// golang-migrate/migrate, replacing the teacher's ad hoc embedded-exec
// migration runner (pkg/migrations) with up/down bookkeeping and
// dirty-state detection — a genuine use for the teacher's otherwise-unused
// golang-migrate dependency, since the audit schema evolves across
// canonical_version generations and resuming a dirty migration safely
// matters for a durable audit trail.
package schema

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigratePostgres applies all pending migrations against a Postgres
// database handle.
func MigratePostgres(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("schema: postgres driver: %w", err)
	}
	return apply("postgres", driver)
}

// MigrateSQLite applies all pending migrations against a SQLite database
// handle, used for local development and the built-in test suite where a
// Postgres server is not available.
func MigrateSQLite(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("schema: sqlite driver: %w", err)
	}
	return apply("sqlite3", driver)
}

func apply(databaseName string, dbDriver database.Driver) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("schema: build embedded source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, databaseName, dbDriver)
	if err != nil {
		return fmt.Errorf("schema: build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("schema: apply migrations: %w", err)
	}
	return nil
}
