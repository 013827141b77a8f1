package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/mlschat/internal/store/migrations"
)

// MigrateResult describes what a migration run did.
type MigrateResult struct {
	From    uint
	Version uint
	Changed bool
}

// ErrDirty means an earlier migration failed halfway. The journal needs
// manual repair before the daemon can use it.
var ErrDirty = errors.New("journal schema is dirty")

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// Migrate brings the journal schema up to date.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return nil, fmt.Errorf("migration version: %w", err)
	case dirty:
		return nil, fmt.Errorf("%w at version %d", ErrDirty, from)
	}

	res := &MigrateResult{From: from, Changed: true}
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		res.Changed = false
	} else if err != nil {
		return nil, fmt.Errorf("migration up: %w", err)
	}

	res.Version, _, err = m.Version()
	if err != nil {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	return res, nil
}
