package userlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/sqlite/*.sql
var migrationsFS embed.FS

// RunMigrations applies every pending schema migration for the relational
// mirror over an already-open connection. Only SQLite is supported: the
// mirror is a single embedded audit database colocated with the flat-file
// store, not a shared multi-tenant RDBMS, so there is no multi-backend
// migration path to support. The connection is reused (rather than opened
// independently) so the migration driver and the GORM dialector never race
// to register a second "sqlite" database/sql driver.
func RunMigrations(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("userlog migrate: ping: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("userlog migrate: driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("userlog migrate: source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("userlog migrate: instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("userlog migrate: up: %w", err)
	}

	logger.Info("user log mirror schema up to date")
	return nil
}
