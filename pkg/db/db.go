package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // driver registration only
)

// Database holds the process-wide sqlite handle. Callers reach the typed
// layer through Queries; the raw handle stays exposed for the batch writer.
type Database struct {
	DB *sql.DB
}

// New opens the database file at path, creating parent directories as
// needed. ":memory:" yields an isolated in-memory instance for tests.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers on its file lock; a second connection
	// would only queue behind the first.
	handle.SetMaxOpenConns(1)
	handle.SetConnMaxLifetime(time.Hour)

	return &Database{DB: handle}, nil
}

// Queries returns the typed query layer over this handle.
func (d *Database) Queries() *Queries {
	return NewQueries(d.DB)
}

// Close releases the underlying handle. Safe on a nil receiver.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
