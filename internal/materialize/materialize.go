// Package materialize realizes a single model against the warehouse: view
// replacement, full table rebuild, or incremental apply by strategy
// (spec.md §4.3). All DDL for one model runs inside the warehouse's writer
// lock; SELECT-only work (row counts, column introspection) may use the
// shared pool.
package materialize

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/r3e-network/dataplatform/internal/model"
	"github.com/r3e-network/dataplatform/internal/warehouse"
	"github.com/r3e-network/dataplatform/pkg/engineerr"
)

// Outcome is the user-facing result of materializing one model.
type Outcome struct {
	FullName    string
	Skipped     bool
	RowCount    int64
	Duration    time.Duration
	Materialized model.Materialization
}

// Materializer executes the rebuild logic for one model at a time against a
// single warehouse.
type Materializer struct {
	wh *warehouse.Warehouse
	is warehouse.InformationSchema
}

// New builds a Materializer bound to wh.
func New(wh *warehouse.Warehouse) *Materializer {
	return &Materializer{wh: wh, is: warehouse.NewInformationSchema(wh.DB())}
}

// Materialize rebuilds m against the warehouse according to its declared
// materialization kind. The caller is responsible for change-detection
// (deciding whether to call Materialize at all) and for persisting the
// resulting model_state row.
func (mz *Materializer) Materialize(ctx context.Context, m *model.Model) (Outcome, error) {
	start := time.Now()
	target := warehouse.QualifiedFullName(m.FullName())

	var (
		rowCount int64
		err      error
	)
	switch m.Materialized {
	case model.MaterializedView:
		err = mz.materializeView(ctx, target, m.Query)
	case model.MaterializedTable:
		rowCount, err = mz.materializeTable(ctx, target, m.Query)
	case model.MaterializedIncremental:
		rowCount, err = mz.materializeIncremental(ctx, m, target)
	default:
		err = fmt.Errorf("unknown materialization kind %q", m.Materialized)
	}

	if err != nil {
		if ee, ok := err.(*engineerr.EngineError); ok {
			return Outcome{}, ee
		}
		return Outcome{}, engineerr.ExecutionError(m.FullName(), err)
	}

	return Outcome{
		FullName:     m.FullName(),
		RowCount:     rowCount,
		Duration:     time.Since(start),
		Materialized: m.Materialized,
	}, nil
}

func (mz *Materializer) materializeView(ctx context.Context, target, query string) error {
	return mz.wh.WithWriter(func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP VIEW IF EXISTS %q`, target)); err != nil {
			return fmt.Errorf("drop existing view %s: %w", target, err)
		}
		stmt := fmt.Sprintf(`CREATE VIEW %q AS %s`, target, query)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create view %s: %w", target, err)
		}
		return nil
	})
}

func (mz *Materializer) materializeTable(ctx context.Context, target, query string) (int64, error) {
	err := mz.wh.WithWriterTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, target)); err != nil {
			return fmt.Errorf("drop existing table %s: %w", target, err)
		}
		stmt := fmt.Sprintf(`CREATE TABLE %q AS %s`, target, query)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", target, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return mz.countRows(ctx, target)
}

func (mz *Materializer) countRows(ctx context.Context, target string) (int64, error) {
	var count int64
	row := mz.wh.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %q`, target))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", target, err)
	}
	return count, nil
}

// materializeIncremental implements spec.md §4.3's incremental apply: first
// run behaves like a table create; subsequent runs evolve schema and apply
// by strategy inside one transaction.
func (mz *Materializer) materializeIncremental(ctx context.Context, m *model.Model, target string) (int64, error) {
	exists, err := mz.is.TableExists(ctx, target)
	if err != nil {
		return 0, err
	}
	if !exists {
		return mz.materializeTable(ctx, target, m.Query)
	}

	strategy := model.ResolveIncrementalStrategy(m.UniqueKey, m.IncrementalStrategy)
	// delete+insert without a partition_by falls back to applyMerge below,
	// so it needs a unique_key exactly as merge itself does.
	needsUniqueKey := strategy == model.StrategyMerge ||
		(strategy == model.StrategyDeleteInsert && m.PartitionBy == "")
	if needsUniqueKey && m.UniqueKey == "" {
		return 0, engineerr.IncrementalRequiresUniqueKey(m.FullName())
	}

	candidateQuery := m.Query
	if m.IncrementalFilter != "" {
		rendered := strings.ReplaceAll(m.IncrementalFilter, "{this}", target)
		candidateQuery = fmt.Sprintf("%s %s", strings.TrimRight(candidateQuery, "; \n\t"), rendered)
	}

	stagingTable := target + "__staging"

	err = mz.wh.WithWriterTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, stagingTable)); err != nil {
			return fmt.Errorf("drop stale staging table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TEMP TABLE %q AS %s`, stagingTable, candidateQuery)); err != nil {
			return fmt.Errorf("build candidate relation: %w", err)
		}
		defer tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, stagingTable))

		txIS := warehouse.NewInformationSchema(tx)

		if err := mz.evolveSchema(ctx, txIS, tx, target, stagingTable); err != nil {
			return err
		}

		cols, err := txIS.Columns(ctx, target)
		if err != nil {
			return fmt.Errorf("read target columns: %w", err)
		}
		colList := columnNames(cols)

		switch strategy {
		case model.StrategyAppend:
			return mz.applyAppend(ctx, tx, target, stagingTable, colList)
		case model.StrategyMerge:
			return mz.applyMerge(ctx, tx, target, stagingTable, colList, m.UniqueKey)
		case model.StrategyDeleteInsert:
			if m.PartitionBy == "" {
				return mz.applyMerge(ctx, tx, target, stagingTable, colList, m.UniqueKey)
			}
			return mz.applyDeleteInsert(ctx, tx, target, stagingTable, colList, m.PartitionBy)
		default:
			return fmt.Errorf("unknown incremental strategy %q", strategy)
		}
	})
	if err != nil {
		return 0, err
	}
	return mz.countRows(ctx, target)
}

// evolveSchema adds columns present in the staging relation but absent from
// the target, nullable, in the staging relation's declared order (spec.md
// §4.3 step 2). Columns only present in the target are left untouched.
func (mz *Materializer) evolveSchema(ctx context.Context, txIS warehouse.InformationSchema, tx *sql.Tx, target, staging string) error {
	targetCols, err := txIS.Columns(ctx, target)
	if err != nil {
		return fmt.Errorf("read target columns: %w", err)
	}
	stagingCols, err := txIS.Columns(ctx, staging)
	if err != nil {
		return fmt.Errorf("read staging columns: %w", err)
	}

	have := make(map[string]bool, len(targetCols))
	for _, c := range targetCols {
		have[c.Name] = true
	}

	for _, c := range stagingCols {
		if have[c.Name] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE %q ADD COLUMN %q %s`, target, c.Name, sqlTypeOrDefault(c.Type))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("evolve schema of %s, add column %s: %w", target, c.Name, err)
		}
	}
	return nil
}

func sqlTypeOrDefault(t string) string {
	if strings.TrimSpace(t) == "" {
		return "TEXT"
	}
	return t
}

func (mz *Materializer) applyAppend(ctx context.Context, tx *sql.Tx, target, staging string, cols []string) error {
	colSQL := quoteColumnList(cols)
	stmt := fmt.Sprintf(`INSERT INTO %q (%s) SELECT %s FROM %q`, target, colSQL, colSQL, staging)
	_, err := tx.ExecContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("append into %s: %w", target, err)
	}
	return nil
}

func (mz *Materializer) applyMerge(ctx context.Context, tx *sql.Tx, target, staging string, cols []string, uniqueKey string) error {
	del := fmt.Sprintf(`DELETE FROM %q WHERE %q IN (SELECT %q FROM %q)`, target, uniqueKey, uniqueKey, staging)
	if _, err := tx.ExecContext(ctx, del); err != nil {
		return fmt.Errorf("merge delete-phase on %s: %w", target, err)
	}
	return mz.applyAppend(ctx, tx, target, staging, cols)
}

func (mz *Materializer) applyDeleteInsert(ctx context.Context, tx *sql.Tx, target, staging string, cols []string, partitionBy string) error {
	del := fmt.Sprintf(`DELETE FROM %q WHERE %q IN (SELECT DISTINCT %q FROM %q)`, target, partitionBy, partitionBy, staging)
	if _, err := tx.ExecContext(ctx, del); err != nil {
		return fmt.Errorf("delete+insert delete-phase on %s: %w", target, err)
	}
	return mz.applyAppend(ctx, tx, target, staging, cols)
}

func columnNames(cols []warehouse.ColumnInfo) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

func quoteColumnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ", ")
}
