package lineage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/r3e-network/dataplatform/internal/dag"
	"github.com/r3e-network/dataplatform/internal/warehouse"
	"github.com/r3e-network/dataplatform/pkg/engineerr"
)

var qualifiedRefPattern = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)

// Validate compile-checks every model's query without materializing it: it
// rewrites every logical reference to its physical storage identifier and
// asks the warehouse to prepare the rewritten text (spec.md §4.6).
func Validate(ctx context.Context, db *sql.DB, g *dag.Graph) []*engineerr.EngineError {
	var errs []*engineerr.EngineError
	for fullName, m := range g.Models {
		rewritten := RewriteQuery(m.Query)
		stmt, err := db.PrepareContext(ctx, rewritten)
		if err != nil {
			errs = append(errs, engineerr.ValidationError(fullName, fmt.Errorf("prepare failed: %w", err)))
			continue
		}
		stmt.Close()
	}
	return errs
}

// RewriteQuery substitutes every "schema.name" token in query with its
// physical storage identifier (SPEC_FULL.md §D(d): every logical reference
// is translated at the SQL-generation boundary, not just references to
// models the project itself declares — the warehouse never ATTACHes a
// database named after a schema, so an external source like "landing.users"
// is exactly as unresolvable to SQLite as an in-project one unless it too
// is rewritten to its "schema__name" physical identifier). Validate
// compile-checks the rewritten text before any model is materialized; the
// engine and the diff path reuse this exact same rewrite at execution time.
func RewriteQuery(query string) string {
	return qualifiedRefPattern.ReplaceAllStringFunc(query, func(ref string) string {
		return fmt.Sprintf("%q", warehouse.QualifiedFullName(ref))
	})
}
