package storage

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrator applies the SQL files of a migrations directory
type Migrator struct {
	databaseURL string
	sourceURL   string
}

// NewMigrator creates a migrator for the files under migrationsPath
func NewMigrator(databaseURL, migrationsPath string) *Migrator {
	return &Migrator{
		databaseURL: databaseURL,
		sourceURL:   fmt.Sprintf("file://%s", migrationsPath),
	}
}

func (m *Migrator) run(fn func(*migrate.Migrate) error) error {
	mig, err := migrate.New(m.sourceURL, m.databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		_, _ = mig.Close() // nolint:errcheck // cleanup in defer
	}()
	return fn(mig)
}

// Up applies every pending migration
func (m *Migrator) Up() error {
	return m.run(func(mig *migrate.Migrate) error {
		if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	})
}

// Down rolls back the given number of migrations
func (m *Migrator) Down(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	return m.run(func(mig *migrate.Migrate) error {
		if err := mig.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to rollback migrations: %w", err)
		}
		return nil
	})
}

// Version returns the applied version and whether the last migration failed halfway
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	err = m.run(func(mig *migrate.Migrate) error {
		var verr error
		version, dirty, verr = mig.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			return fmt.Errorf("failed to get migration version: %w", verr)
		}
		return nil
	})
	return version, dirty, err
}
