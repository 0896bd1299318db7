// Package lineage extracts physical table references and column-level
// attributions from a model's query text, and validates unbuilt
// dependencies against the warehouse without materializing anything
// (spec.md §4.6). No general SQL parser exists in the retrieved dependency
// pack, so extraction is a narrowly scoped hand-rolled scanner over the
// identifier and clause shapes spec.md names explicitly.
package lineage

import (
	"regexp"
	"sort"
	"strings"
)

var (
	fromJoinPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)?)(?:\s+(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*))?`)
	ctePattern      = regexp.MustCompile(`(?i)\bWITH\s+([A-Za-z_][A-Za-z0-9_]*)\s+AS\s*\(`)
	cteMorePattern  = regexp.MustCompile(`(?i),\s*([A-Za-z_][A-Za-z0-9_]*)\s+AS\s*\(`)
)

// TableRef is one physical (or unresolved) table reference found in a
// query, with its optional alias.
type TableRef struct {
	Name  string
	Alias string
}

// ExtractTableRefs returns every FROM/JOIN table reference in query, with
// CTE names excluded (spec.md §4.6: "ignoring CTE names"). Order is first
// occurrence; duplicates are collapsed by (name, alias).
func ExtractTableRefs(query string) []TableRef {
	ctes := cteNames(query)

	seen := make(map[string]bool)
	var refs []TableRef
	for pos := 0; ; {
		m := fromJoinPattern.FindStringSubmatchIndex(query[pos:])
		if m == nil {
			break
		}
		name, alias, next := query[pos+m[2]:pos+m[3]], "", pos+m[1]
		if m[4] >= 0 {
			alias = query[pos+m[4] : pos+m[5]]
		}
		// A clause keyword is not an alias; rescan from it so a following JOIN is seen.
		if strings.Contains(" JOIN LEFT RIGHT INNER OUTER FULL CROSS ON WHERE GROUP ORDER LIMIT UNION ", " "+strings.ToUpper(alias)+" ") {
			alias, next = "", pos+m[4]
		}
		pos = next
		if ctes[strings.ToLower(name)] {
			continue
		}
		key := strings.ToLower(name) + "|" + strings.ToLower(alias)
		if seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, TableRef{Name: name, Alias: alias})
	}
	return refs
}

func cteNames(query string) map[string]bool {
	names := make(map[string]bool)
	if m := ctePattern.FindStringSubmatch(query); m != nil {
		names[strings.ToLower(m[1])] = true
	}
	for _, m := range cteMorePattern.FindAllStringSubmatch(query, -1) {
		names[strings.ToLower(m[1])] = true
	}
	return names
}

// PhysicalTables returns the sorted, deduplicated set of physical table
// names referenced by query (diagnostic only; depends_on directives remain
// authoritative for the DAG per spec.md §4.6).
func PhysicalTables(query string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, ref := range ExtractTableRefs(query) {
		lower := strings.ToLower(ref.Name)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		names = append(names, ref.Name)
	}
	sort.Strings(names)
	return names
}
