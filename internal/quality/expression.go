// Package quality evaluates assertion expressions against materialized
// models and runs standalone data contracts over the same grammar
// (spec.md §4.4).
package quality

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/r3e-network/dataplatform/internal/model"
)

// Result is the outcome of evaluating one assertion expression.
type Result struct {
	Expression string
	Passed     bool
	Detail     string
}

var (
	rowCountPattern       = regexp.MustCompile(`^row_count\s*(>=|<=|!=|>|<|=)\s*(-?\d+)$`)
	noNullsPattern        = regexp.MustCompile(`^no_nulls\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)$`)
	uniquePattern         = regexp.MustCompile(`^unique\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)$`)
	acceptedValuesPattern = regexp.MustCompile(`^accepted_values\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*,\s*\[(.*)\]\s*\)$`)
)

// Evaluate runs a single assertion expression against the materialized
// table for fullName and returns a Result. A database error while
// evaluating the expression yields passed=false, never a returned error
// (spec.md §4.4: "Any assertion raising a database error is passed=false").
func Evaluate(ctx context.Context, db *sql.DB, fullName, expression string) Result {
	table := qualifiedIdent(fullName)
	expr := strings.TrimSpace(expression)

	switch {
	case rowCountPattern.MatchString(expr):
		return evalRowCount(ctx, db, table, expr)
	case noNullsPattern.MatchString(expr):
		return evalNoNulls(ctx, db, table, expr)
	case uniquePattern.MatchString(expr):
		return evalUnique(ctx, db, table, expr)
	case acceptedValuesPattern.MatchString(expr):
		return evalAcceptedValues(ctx, db, table, expr)
	default:
		return evalPredicate(ctx, db, table, expr)
	}
}

func qualifiedIdent(fullName string) string {
	schema, name, _ := strings.Cut(fullName, ".")
	return fmt.Sprintf("%q", schema+"__"+name)
}

func scanCount(ctx context.Context, db *sql.DB, stmt string) (int64, error) {
	var count int64
	row := db.QueryRowContext(ctx, stmt)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func evalRowCount(ctx context.Context, db *sql.DB, table, expr string) Result {
	m := rowCountPattern.FindStringSubmatch(expr)
	op, want := m[1], m[2]
	n, err := strconv.ParseInt(want, 10, 64)
	if err != nil {
		return Result{Expression: expr, Passed: false, Detail: fmt.Sprintf("Assertion error: invalid row_count literal %q", want)}
	}

	count, err := scanCount(ctx, db, fmt.Sprintf(`SELECT count(*) FROM %s`, table))
	if err != nil {
		return Result{Expression: expr, Passed: false, Detail: fmt.Sprintf("Assertion error: %v", err)}
	}

	var passed bool
	switch op {
	case ">":
		passed = count > n
	case ">=":
		passed = count >= n
	case "<":
		passed = count < n
	case "<=":
		passed = count <= n
	case "=":
		passed = count == n
	case "!=":
		passed = count != n
	}
	return Result{Expression: expr, Passed: passed, Detail: fmt.Sprintf("row_count=%d", count)}
}

func evalNoNulls(ctx context.Context, db *sql.DB, table, expr string) Result {
	col := noNullsPattern.FindStringSubmatch(expr)[1]
	count, err := scanCount(ctx, db, fmt.Sprintf(`SELECT count(*) FROM %s WHERE %q IS NULL`, table, col))
	if err != nil {
		return Result{Expression: expr, Passed: false, Detail: fmt.Sprintf("Assertion error: %v", err)}
	}
	return Result{Expression: expr, Passed: count == 0, Detail: fmt.Sprintf("null_count=%d", count)}
}

func evalUnique(ctx context.Context, db *sql.DB, table, expr string) Result {
	col := uniquePattern.FindStringSubmatch(expr)[1]
	stmt := fmt.Sprintf(`
		SELECT COALESCE(SUM(c - 1), 0) FROM (
			SELECT count(*) AS c FROM %s GROUP BY %q HAVING count(*) > 1
		)`, table, col)
	count, err := scanCount(ctx, db, stmt)
	if err != nil {
		return Result{Expression: expr, Passed: false, Detail: fmt.Sprintf("Assertion error: %v", err)}
	}
	return Result{Expression: expr, Passed: count == 0, Detail: fmt.Sprintf("duplicate_count=%d", count)}
}

func evalAcceptedValues(ctx context.Context, db *sql.DB, table, expr string) Result {
	m := acceptedValuesPattern.FindStringSubmatch(expr)
	col, literalsRaw := m[1], m[2]

	var literals []string
	for _, lit := range strings.Split(literalsRaw, ",") {
		literals = append(literals, strings.TrimSpace(lit))
	}

	stmt := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %q NOT IN (%s)`, table, col, strings.Join(literals, ", "))
	count, err := scanCount(ctx, db, stmt)
	if err != nil {
		return Result{Expression: expr, Passed: false, Detail: fmt.Sprintf("Assertion error: %v", err)}
	}
	return Result{Expression: expr, Passed: count == 0, Detail: fmt.Sprintf("rejected_count=%d", count)}
}

func evalPredicate(ctx context.Context, db *sql.DB, table, expr string) Result {
	stmt := fmt.Sprintf(`SELECT count(*) FROM %s WHERE NOT (%s) OR (%s) IS NULL`, table, expr, expr)
	count, err := scanCount(ctx, db, stmt)
	if err != nil {
		return Result{Expression: expr, Passed: false, Detail: fmt.Sprintf("Assertion error: %v", err)}
	}
	return Result{Expression: expr, Passed: count == 0, Detail: fmt.Sprintf("violation_count=%d", count)}
}

// EvaluateAll evaluates every assertion declared on m, in order.
func EvaluateAll(ctx context.Context, db *sql.DB, m *model.Model) []Result {
	results := make([]Result, 0, len(m.Assertions))
	for _, expr := range m.Assertions {
		results = append(results, Evaluate(ctx, db, m.FullName(), expr))
	}
	return results
}
