// Package cache persists conversations and confirmed messages to a
// local SQLite database so reopened conversations render history before
// any network round-trip, and late upload results survive restarts.
// Only server-confirmed state is written; optimistic entries live in
// the in-memory store alone.
package cache

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection for the app-owned confide.db.
type DB struct {
	*sql.DB
}

// Open creates a SQLite connection with WAL mode and recommended
// pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
