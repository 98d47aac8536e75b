package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite handle for the attendance database.
//
// The handle is swappable: the sync engine replaces the underlying database
// file when a snapshot arrives, and Replace re-opens the handle atomically
// with respect to Handle. An operation racing a replace may see a transient
// closed-database error; it never sees a half-written file.
type DB struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

// Open creates or opens the SQLite database at path and applies the schema.
// Idempotent, safe to call on an existing database.
func Open(path string) (*DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{path: path, db: db}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY under concurrent markers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Handle returns the current underlying handle. Callers must not retain it
// across a Replace; fetch it per logical operation.
func (d *DB) Handle() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Size returns the database file size in bytes, 0 when absent.
func (d *DB) Size() int64 {
	info, err := os.Stat(d.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Replace swaps the live database file with the file at srcPath and
// re-opens the handle. srcPath must be a validated SQLite database on the
// same filesystem. The swap holds the write lock for its whole duration so
// no query observes the rename in progress.
func (d *DB) Replace(srcPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close before replace: %w", err)
	}
	if err := os.Rename(srcPath, d.path); err != nil {
		// Try to come back up on the old file.
		if db, reopenErr := open(d.path); reopenErr == nil {
			d.db = db
		}
		return fmt.Errorf("replace database file: %w", err)
	}
	db, err := open(d.path)
	if err != nil {
		return fmt.Errorf("reopen after replace: %w", err)
	}
	d.db = db
	return nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Tx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.Handle().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
