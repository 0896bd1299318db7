package warehouse

import (
	"context"
	"database/sql"
	"fmt"
)

// ColumnInfo describes one column as reported by the warehouse's schema
// introspection (spec.md §4.5, §4.6: "information_schema.columns").
type ColumnInfo struct {
	Name     string
	Type     string
	Position int
	Nullable bool
}

// InformationSchema exposes column introspection for a materialized table,
// standing in for a direct information_schema.columns query (spec.md
// §4.6). SQLite is queried via PRAGMA table_info, kept behind this
// interface so swapping in a true information_schema-bearing engine is a
// one-file change (SPEC_FULL.md §D(d)).
type InformationSchema interface {
	Columns(ctx context.Context, qualifiedTable string) ([]ColumnInfo, error)
	TableExists(ctx context.Context, qualifiedTable string) (bool, error)
}

// querier is satisfied by *sql.DB and *sql.Tx. Introspection that runs
// inside a transaction (e.g. reading a TEMP staging relation, or columns
// just evolved by an uncommitted ALTER TABLE) must use the transaction's
// own connection rather than the shared pool.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type sqliteInformationSchema struct {
	db querier
}

// NewInformationSchema returns the InformationSchema backed by the given
// read-capable connection (shared pool or an open transaction).
func NewInformationSchema(db querier) InformationSchema {
	return &sqliteInformationSchema{db: db}
}

func (s *sqliteInformationSchema) TableExists(ctx context.Context, qualifiedTable string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, qualifiedTable)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("check table existence %s: %w", qualifiedTable, err)
	}
}

func (s *sqliteInformationSchema) Columns(ctx context.Context, qualifiedTable string) ([]ColumnInfo, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT cid, name, type, "notnull" FROM pragma_table_info(%q)`, qualifiedTable))
	if err != nil {
		return nil, fmt.Errorf("introspect columns of %s: %w", qualifiedTable, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull); err != nil {
			return nil, fmt.Errorf("scan column info: %w", err)
		}
		cols = append(cols, ColumnInfo{
			Name:     name,
			Type:     colType,
			Position: cid,
			Nullable: notNull == 0,
		})
	}
	return cols, rows.Err()
}
