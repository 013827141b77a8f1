// Package store is the SQLite journal of groups and messages. It holds
// display history only; group engine state is never written to disk.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite connection to a profile's journal.db.
type DB struct {
	*sql.DB
}

// Open creates a SQLite connection with WAL mode and the usual pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	return &DB{db}, nil
}
