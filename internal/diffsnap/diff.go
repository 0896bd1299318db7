// Package diffsnap compares a model's would-be output against its
// currently materialized table, and captures named snapshots of the
// warehouse's state for later comparison (spec.md's "Diff / snapshot"
// component). Both operations are read-only: the disposable relation built
// to evaluate a model's query is always rolled back, never committed, the
// same "render query against a placeholder" pattern the materializer uses
// for incremental staging, here applied against a throwaway name instead of
// the real target.
package diffsnap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/r3e-network/dataplatform/internal/lineage"
	"github.com/r3e-network/dataplatform/internal/model"
	"github.com/r3e-network/dataplatform/internal/warehouse"
)

// DefaultSampleLimit bounds how many added/removed/modified rows a Diff
// reports; row samples are always finite, bounded lists (spec.md's
// generators note).
const DefaultSampleLimit = 100

// SchemaDelta describes one column-level difference between the candidate
// relation and the currently materialized table.
type SchemaDelta struct {
	Column  string
	Kind    string // "added", "removed", "type_changed"
	OldType string
	NewType string
}

// RowDiff is one added/removed/modified row, keyed by its unique_key value
// when the model declares one.
type RowDiff struct {
	Kind   string // "added", "removed", "modified"
	Key    string // unique_key value, or "" when the model has none
	Values map[string]interface{}
}

// Result is the outcome of diffing one model's would-be output against its
// current materialization.
type Result struct {
	FullName     string
	TargetExists bool
	SchemaDeltas []SchemaDelta
	RowDiffs     []RowDiff
	SampleLimit  int
	Truncated    bool
}

var errRollbackOnly = errors.New("diffsnap: read-only, rolling back")

// Diff evaluates m's query into a disposable relation and compares it
// against the table currently materialized at m's target, using m's
// unique_key for row correlation when declared. sampleLimit caps how many
// rows of each kind are reported; pass 0 for DefaultSampleLimit.
func Diff(ctx context.Context, wh *warehouse.Warehouse, m *model.Model, sampleLimit int) (Result, error) {
	if sampleLimit <= 0 {
		sampleLimit = DefaultSampleLimit
	}
	target := warehouse.QualifiedFullName(m.FullName())
	result := Result{FullName: m.FullName(), SampleLimit: sampleLimit}

	err := wh.WithWriterTx(ctx, func(tx *sql.Tx) error {
		txIS := warehouse.NewInformationSchema(tx)

		exists, err := txIS.TableExists(ctx, target)
		if err != nil {
			return err
		}
		result.TargetExists = exists

		candidate := target + "__diffcandidate"
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, candidate)); err != nil {
			return fmt.Errorf("drop stale candidate relation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TEMP TABLE %q AS %s`, candidate, lineage.RewriteQuery(m.Query))); err != nil {
			return fmt.Errorf("build candidate relation: %w", err)
		}

		candidateCols, err := txIS.Columns(ctx, candidate)
		if err != nil {
			return fmt.Errorf("introspect candidate columns: %w", err)
		}

		if !exists {
			for _, c := range candidateCols {
				result.SchemaDeltas = append(result.SchemaDeltas, SchemaDelta{Column: c.Name, Kind: "added", NewType: c.Type})
			}
			return errRollbackOnly
		}

		targetCols, err := txIS.Columns(ctx, target)
		if err != nil {
			return fmt.Errorf("introspect target columns: %w", err)
		}
		result.SchemaDeltas = schemaDeltas(targetCols, candidateCols)

		common := commonColumnNames(targetCols, candidateCols)
		if len(common) == 0 {
			return errRollbackOnly
		}

		rowDiffs, truncated, err := diffRows(ctx, tx, target, candidate, common, m.UniqueKey, sampleLimit)
		if err != nil {
			return err
		}
		result.RowDiffs = rowDiffs
		result.Truncated = truncated
		return errRollbackOnly
	})
	if err != nil && !errors.Is(err, errRollbackOnly) {
		return Result{}, err
	}
	return result, nil
}

func schemaDeltas(target, candidate []warehouse.ColumnInfo) []SchemaDelta {
	targetByName := make(map[string]warehouse.ColumnInfo, len(target))
	for _, c := range target {
		targetByName[c.Name] = c
	}
	candidateByName := make(map[string]warehouse.ColumnInfo, len(candidate))
	for _, c := range candidate {
		candidateByName[c.Name] = c
	}

	var deltas []SchemaDelta
	for _, c := range candidate {
		old, ok := targetByName[c.Name]
		if !ok {
			deltas = append(deltas, SchemaDelta{Column: c.Name, Kind: "added", NewType: c.Type})
			continue
		}
		if !strings.EqualFold(old.Type, c.Type) {
			deltas = append(deltas, SchemaDelta{Column: c.Name, Kind: "type_changed", OldType: old.Type, NewType: c.Type})
		}
	}
	for _, c := range target {
		if _, ok := candidateByName[c.Name]; !ok {
			deltas = append(deltas, SchemaDelta{Column: c.Name, Kind: "removed", OldType: c.Type})
		}
	}
	return deltas
}

func commonColumnNames(target, candidate []warehouse.ColumnInfo) []string {
	have := make(map[string]bool, len(target))
	for _, c := range target {
		have[c.Name] = true
	}
	var common []string
	for _, c := range candidate {
		if have[c.Name] {
			common = append(common, c.Name)
		}
	}
	return common
}

// diffRows compares target and candidate over their common columns. When
// uniqueKey is one of those columns, rows are correlated by key: rows only
// in candidate are "added", rows only in target are "removed", and rows
// present on both sides with any differing common column are "modified".
// Without a usable key, comparison falls back to set difference over the
// full common-column tuple (added/removed only — there is no stable
// identity to call a row "modified").
func diffRows(ctx context.Context, tx *sql.Tx, target, candidate string, common []string, uniqueKey string, limit int) ([]RowDiff, bool, error) {
	hasKey := uniqueKey != "" && containsString(common, uniqueKey)
	if hasKey {
		return diffRowsByKey(ctx, tx, target, candidate, common, uniqueKey, limit)
	}
	return diffRowsBySetDifference(ctx, tx, target, candidate, common, limit)
}

func diffRowsByKey(ctx context.Context, tx *sql.Tx, target, candidate string, common []string, key string, limit int) ([]RowDiff, bool, error) {
	var diffs []RowDiff
	truncated := false

	addedQuery := fmt.Sprintf(
		`SELECT %s FROM %q AS c WHERE NOT EXISTS (SELECT 1 FROM %q AS t WHERE t.%q IS c.%q) LIMIT ?`,
		quoteColumnList(common, "c"), candidate, target, key, key)
	added, err := scanRows(ctx, tx, addedQuery, common, "added", key, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("diff added rows: %w", err)
	}
	diffs = append(diffs, capAndFlag(added, limit, &truncated)...)

	removedQuery := fmt.Sprintf(
		`SELECT %s FROM %q AS t WHERE NOT EXISTS (SELECT 1 FROM %q AS c WHERE c.%q IS t.%q) LIMIT ?`,
		quoteColumnList(common, "t"), target, candidate, key, key)
	removed, err := scanRows(ctx, tx, removedQuery, common, "removed", key, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("diff removed rows: %w", err)
	}
	diffs = append(diffs, capAndFlag(removed, limit, &truncated)...)

	if len(diffs) < limit*2 {
		modifiedQuery := fmt.Sprintf(
			`SELECT %s FROM %q AS c JOIN %q AS t ON t.%q IS c.%q WHERE %s LIMIT ?`,
			quoteColumnList(common, "c"), candidate, target, key, key, modifiedPredicate(common, key),
		)
		modified, err := scanRows(ctx, tx, modifiedQuery, common, "modified", key, limit+1)
		if err != nil {
			return nil, false, fmt.Errorf("diff modified rows: %w", err)
		}
		diffs = append(diffs, capAndFlag(modified, limit, &truncated)...)
	}

	return diffs, truncated, nil
}

func diffRowsBySetDifference(ctx context.Context, tx *sql.Tx, target, candidate string, common []string, limit int) ([]RowDiff, bool, error) {
	truncated := false

	addedQuery := fmt.Sprintf(`SELECT %s FROM %q EXCEPT SELECT %s FROM %q LIMIT ?`,
		quoteColumnList(common, ""), candidate, quoteColumnList(common, ""), target)
	added, err := scanRows(ctx, tx, addedQuery, common, "added", "", limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("diff added rows: %w", err)
	}

	removedQuery := fmt.Sprintf(`SELECT %s FROM %q EXCEPT SELECT %s FROM %q LIMIT ?`,
		quoteColumnList(common, ""), target, quoteColumnList(common, ""), candidate)
	removed, err := scanRows(ctx, tx, removedQuery, common, "removed", "", limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("diff removed rows: %w", err)
	}

	diffs := append(capAndFlag(added, limit, &truncated), capAndFlag(removed, limit, &truncated)...)
	return diffs, truncated, nil
}

func modifiedPredicate(common []string, key string) string {
	var clauses []string
	for _, c := range common {
		if c == key {
			continue
		}
		clauses = append(clauses, fmt.Sprintf(`c.%q IS NOT t.%q`, c, c))
	}
	if len(clauses) == 0 {
		return "0"
	}
	return strings.Join(clauses, " OR ")
}

func scanRows(ctx context.Context, tx *sql.Tx, query string, common []string, kind, key string, limit int) ([]RowDiff, error) {
	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var diffs []RowDiff
	for rows.Next() {
		scanned := make([]interface{}, len(common))
		ptrs := make([]interface{}, len(common))
		for i := range scanned {
			ptrs[i] = &scanned[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		values := make(map[string]interface{}, len(common))
		keyValue := ""
		for i, col := range common {
			values[col] = scanned[i]
			if col == key {
				keyValue = fmt.Sprintf("%v", scanned[i])
			}
		}
		diffs = append(diffs, RowDiff{Kind: kind, Key: keyValue, Values: values})
	}
	return diffs, rows.Err()
}

func capAndFlag(diffs []RowDiff, limit int, truncated *bool) []RowDiff {
	if len(diffs) > limit {
		*truncated = true
		return diffs[:limit]
	}
	return diffs
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func quoteColumnList(cols []string, alias string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		if alias != "" {
			quoted[i] = fmt.Sprintf("%s.%q", alias, c)
		} else {
			quoted[i] = fmt.Sprintf("%q", c)
		}
	}
	return strings.Join(quoted, ", ")
}
