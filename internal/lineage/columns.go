package lineage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/r3e-network/dataplatform/internal/warehouse"
)

// Attribution is one {source_table, source_column} pair a column traces
// back to (spec.md §4.6).
type Attribution struct {
	SourceTable  string
	SourceColumn string
}

// ColumnLineage maps an output column name to its source attributions.
type ColumnLineage map[string][]Attribution

var (
	selectListPattern = regexp.MustCompile(`(?is)^\s*SELECT\s+(?:DISTINCT\s+)?(.*?)\s+FROM\s+(.*)$`)
	unionSplitPattern  = regexp.MustCompile(`(?i)\bUNION\s+(?:ALL\s+)?`)
	asAliasPattern     = regexp.MustCompile(`(?i)^(.*?)\s+AS\s+([A-Za-z_][A-Za-z0-9_]*)$`)
	bareAliasPattern   = regexp.MustCompile(`(?i)^(.*?)\s+([A-Za-z_][A-Za-z0-9_]*)$`)
	qualifiedColPattern = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)
	bareColPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ColumnsResolver answers "what are the columns of this physical table", for
// resolving SELECT * when a warehouse connection is available (spec.md
// §4.6). nil means no connection is available.
type ColumnsResolver func(ctx context.Context, qualifiedTable string) ([]string, error)

// FromWarehouse adapts a warehouse.InformationSchema into a ColumnsResolver.
func FromWarehouse(is warehouse.InformationSchema) ColumnsResolver {
	return func(ctx context.Context, qualifiedTable string) ([]string, error) {
		cols, err := is.Columns(ctx, qualifiedTable)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = c.Name
		}
		return names, nil
	}
}

// ComputeColumnLineage derives column-level attributions for query. Only
// the first UNION branch is considered (spec.md §4.6). Unparseable SQL
// returns an empty lineage map and a non-fatal diagnostic string.
func ComputeColumnLineage(ctx context.Context, query string, resolve ColumnsResolver) (ColumnLineage, string) {
	branches := unionSplitPattern.Split(query, -1)
	firstBranch := strings.TrimSpace(branches[0])

	m := selectListPattern.FindStringSubmatch(firstBranch)
	if m == nil {
		return ColumnLineage{}, "unparseable query: no SELECT ... FROM ... shape found"
	}
	selectList, fromClause := m[1], m[2]

	aliases := aliasMap(firstBranch)

	lineage := make(ColumnLineage)
	items := splitTopLevel(selectList, ',')
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		if item == "*" {
			tables := ExtractTableRefs(fromClause)
			if resolve == nil || len(tables) == 0 {
				return ColumnLineage{}, "SELECT * with no database connection available to resolve columns"
			}
			for _, t := range tables {
				physical := resolvePhysicalName(t.Name, aliases)
				qualified := warehouse.QualifiedFullName(physical)
				cols, err := resolve(ctx, qualified)
				if err != nil {
					return ColumnLineage{}, fmt.Sprintf("resolving SELECT * against %s: %v", physical, err)
				}
				for _, c := range cols {
					lineage[c] = append(lineage[c], Attribution{SourceTable: physical, SourceColumn: c})
				}
			}
			continue
		}

		outputCol, expr := splitColumnAlias(item)
		attrs := attributionsForExpression(expr, aliases)
		if outputCol == "" {
			outputCol = expr
		}
		lineage[outputCol] = attrs
	}

	return lineage, ""
}

// splitColumnAlias separates `<expr> [AS] alias` into (alias, expr). If no
// alias is present and expr is a bare or qualified column reference, the
// column's own name becomes the output name.
func splitColumnAlias(item string) (string, string) {
	if m := asAliasPattern.FindStringSubmatch(item); m != nil {
		return m[2], strings.TrimSpace(m[1])
	}
	if m := qualifiedColPattern.FindStringSubmatch(item); m != nil && m[0] == item {
		return m[2], item
	}
	if bareColPattern.MatchString(item) {
		return item, item
	}
	// `<expr> alias` without an explicit AS keyword.
	if m := bareAliasPattern.FindStringSubmatch(item); m != nil && !looksLikeOperator(m[1]) {
		return m[2], strings.TrimSpace(m[1])
	}
	return "", item
}

func looksLikeOperator(expr string) bool {
	trimmed := strings.TrimSpace(expr)
	return trimmed == "" || strings.HasSuffix(trimmed, "(") || strings.HasSuffix(trimmed, ",")
}

// attributionsForExpression returns one attribution per distinct base
// column referenced in expr (spec.md §4.6: "Computed expressions -> one
// attribution per distinct base column referenced").
func attributionsForExpression(expr string, aliases map[string]string) []Attribution {
	seen := make(map[string]bool)
	var attrs []Attribution

	for _, m := range qualifiedColPattern.FindAllStringSubmatch(expr, -1) {
		alias, col := m[1], m[2]
		table := resolvePhysicalName(alias, aliases)
		key := table + "." + col
		if seen[key] {
			continue
		}
		seen[key] = true
		attrs = append(attrs, Attribution{SourceTable: table, SourceColumn: col})
	}
	return attrs
}

// resolvePhysicalName unwinds an alias to the physical (or CTE) table name
// it refers to; if name isn't a known alias it is already physical.
func resolvePhysicalName(name string, aliases map[string]string) string {
	lower := strings.ToLower(name)
	if physical, ok := aliases[lower]; ok {
		return physical
	}
	return name
}

// aliasMap builds alias -> physical table name from every FROM/JOIN clause
// in query (spec.md §4.6: "Aliased subqueries and CTEs are unwound until a
// physical table is reached").
func aliasMap(query string) map[string]string {
	m := make(map[string]string)
	for _, ref := range ExtractTableRefs(query) {
		if ref.Alias != "" {
			m[strings.ToLower(ref.Alias)] = ref.Name
		}
	}
	return m
}

// splitTopLevel splits s on sep, ignoring occurrences nested inside
// parentheses (so `COALESCE(a, b) AS c, d` splits into two items).
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
