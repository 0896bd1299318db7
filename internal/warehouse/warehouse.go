// Package warehouse owns the connection to the embedded analytical database
// file and the single-writer discipline that serializes DDL and metadata
// writes against it (spec.md §5). See SPEC_FULL.md §D(d) for the choice of
// modernc.org/sqlite as the concrete embedded engine.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Warehouse wraps the embedded database file with the writer-mutex
// discipline described in spec.md §5: DDL and metadata writes are
// serialized through writerMu; SELECT-only work may use the shared pool
// concurrently.
type Warehouse struct {
	db       *sql.DB
	writerMu sync.Mutex
}

// Open establishes a connection to the embedded warehouse file and verifies
// connectivity with a ping (internal/platform/database.Open pattern,
// adapted from lib/pq to modernc.org/sqlite).
func Open(ctx context.Context, path string, busyTimeoutMS, maxOpenConns, maxIdleConns int) (*Warehouse, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("warehouse path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}

	return &Warehouse{db: db}, nil
}

// DB returns the underlying *sql.DB for read-only (SELECT) work, which does
// not need the writer mutex.
func (w *Warehouse) DB() *sql.DB {
	return w.db
}

// Close closes the underlying connection pool.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// WithWriter executes fn while holding the writer mutex, serializing it
// against every other DDL/metadata write against this warehouse (spec.md
// §5: "the writer mutex is the only authority").
func (w *Warehouse) WithWriter(fn func(*sql.DB) error) error {
	w.writerMu.Lock()
	defer w.writerMu.Unlock()
	return fn(w.db)
}

// WithWriterTx runs fn inside a transaction while holding the writer mutex,
// for multi-statement writes that must be atomic (e.g. incremental
// merge/delete+insert).
func (w *Warehouse) WithWriterTx(ctx context.Context, fn func(*sql.Tx) error) error {
	w.writerMu.Lock()
	defer w.writerMu.Unlock()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// QualifiedTable maps a model's logical "schema.name" to the storage
// identifier used in generated SQL. SQLite has no first-class schema
// namespace symmetrical with DuckDB/Postgres, so user tables are stored
// under a flat "schema__name" identifier (SPEC_FULL.md §D(d)); full_name
// continues to read as "schema.name" everywhere else (logs, metadata rows,
// directive syntax).
func QualifiedTable(schema, name string) string {
	return fmt.Sprintf("%s__%s", schema, name)
}

// QualifiedFullName maps "schema.name" directly.
func QualifiedFullName(fullName string) string {
	schema, name, _ := strings.Cut(fullName, ".")
	return QualifiedTable(schema, name)
}

// MetadataTable returns the storage identifier for an _internal metadata
// table, e.g. MetadataTable("model_state") -> "_internal__model_state".
func MetadataTable(name string) string {
	return "_internal__" + name
}
