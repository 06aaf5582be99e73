// Package migrate wires golang-migrate to the embedded SQL migrations for
// the reflection manager's four tables, following the embedded-source
// pattern the correlator migrator uses (iofs source driver over a Postgres
// target), trimmed to the subset the daemon needs: apply migrations once
// at startup, under the migration lock in pkg/ha, before AutoMigrate-style
// drift checks run.
package migrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Runner applies the embedded schema migrations against a Postgres database.
type Runner struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// NewRunner opens db (already connected) and prepares the migrate instance.
// Callers are expected to hold the migration lock (pkg/ha.MigrationLocker)
// for the duration of Up.
func NewRunner(db *sql.DB, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres migration driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return &Runner{m: m, logger: logger}, nil
}

// Up applies all pending migrations. It is idempotent: ErrNoChange is not
// treated as a failure.
func (r *Runner) Up() error {
	err := r.m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("schema already up to date")
		return nil
	}
	r.logger.Info("schema migrations applied")
	return nil
}

// Close releases the underlying source and database handles held by migrate.
func (r *Runner) Close() error {
	srcErr, dbErr := r.m.Close()
	return errors.Join(srcErr, dbErr)
}
