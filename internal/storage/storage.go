// Package storage provides the shared embedded SQLite database used by the
// staging mirror, the correlation ledger, and the domain graph store.
//
// The database runs in embedded mode (ncruces/go-sqlite3) with WAL so walkers,
// the incoming pipeline, and the outgoing pipeline can read concurrently while
// one of them writes.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection shared by the sync engine's stores.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the sync database at the given path.
//
// The parent directory is created if missing. WAL mode, a 5s busy timeout,
// and foreign keys are enabled. The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Conn returns the underlying sql.DB connection for the store packages.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// SchemaInitializer is implemented by each store that owns tables in the
// shared database.
type SchemaInitializer interface {
	InitSchemaContext(ctx context.Context) error
}

// InitSchemas runs schema initialization for each store in order.
// Idempotent, safe to call on every startup.
func InitSchemas(ctx context.Context, stores ...SchemaInitializer) error {
	for _, s := range stores {
		if err := s.InitSchemaContext(ctx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}
