package lineage

import (
	"context"

	"github.com/r3e-network/dataplatform/internal/dag"
)

// ImpactResult is the outcome of an impact-analysis query (spec.md §4.6).
type ImpactResult struct {
	FullName    string
	Descendants []string
	// ViaColumn lists the subset of Descendants whose column lineage traces
	// back to the queried column. Empty (not nil) when no column was given.
	ViaColumn []string
}

// Impact returns fullName's transitive downstream models, and — when
// column is non-empty — the subset of those descendants whose own query
// attributes an output column back to {fullName, column}.
func Impact(ctx context.Context, g *dag.Graph, resolve ColumnsResolver, fullName, column string) ImpactResult {
	descendants := g.Descendants(fullName)
	result := ImpactResult{FullName: fullName, Descendants: descendants}
	if column == "" {
		return result
	}

	for _, desc := range descendants {
		m, ok := g.Models[desc]
		if !ok {
			continue
		}
		lineage, _ := ComputeColumnLineage(ctx, m.Query, resolve)
		if tracesTo(lineage, fullName, column) {
			result.ViaColumn = append(result.ViaColumn, desc)
		}
	}
	return result
}

func tracesTo(lineage ColumnLineage, table, column string) bool {
	for _, attrs := range lineage {
		for _, a := range attrs {
			if a.SourceTable == table && a.SourceColumn == column {
				return true
			}
		}
	}
	return false
}
