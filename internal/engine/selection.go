package engine

import (
	"sort"
	"strings"

	"github.com/r3e-network/dataplatform/internal/dag"
)

// matchesSelector reports whether fullName satisfies selector, which is
// either an exact "schema.name" or a "schema.*" glob (SPEC_FULL.md §C
// "selective run").
func matchesSelector(selector, fullName string) bool {
	if selector == fullName {
		return true
	}
	schema, rest, ok := strings.Cut(selector, ".")
	if !ok || rest != "*" {
		return false
	}
	modelSchema, _, ok := strings.Cut(fullName, ".")
	return ok && modelSchema == schema
}

// resolveSelection expands a set of selectors against g into the final set
// of full_names to execute: the matched models, their upstream closure
// (always, so a selected model's dependencies exist to build it), and —
// unless excludeDownstream is set — their downstream closure too, so a
// changed upstream model's consumers are rebuilt in the same run.
func resolveSelection(g *dag.Graph, selectors []string, excludeDownstream bool) []string {
	if len(selectors) == 0 {
		out := make([]string, len(g.Order))
		copy(out, g.Order)
		return out
	}

	selected := make(map[string]bool)
	for full := range g.Models {
		for _, sel := range selectors {
			if matchesSelector(sel, full) {
				selected[full] = true
				break
			}
		}
	}

	closure := make(map[string]bool, len(selected))
	for full := range selected {
		closure[full] = true
		for _, anc := range g.Ancestors(full) {
			closure[anc] = true
		}
		if !excludeDownstream {
			for _, desc := range g.Descendants(full) {
				closure[desc] = true
			}
		}
	}

	out := make([]string, 0, len(closure))
	for full := range closure {
		out = append(out, full)
	}
	sort.Strings(out)
	return out
}

// filterTiers returns g.Tiers with every model not present in selected
// removed, preserving tier order and dropping any tier left empty.
func filterTiers(g *dag.Graph, selected []string) [][]string {
	want := make(map[string]bool, len(selected))
	for _, full := range selected {
		want[full] = true
	}

	var tiers [][]string
	for _, tier := range g.Tiers {
		var kept []string
		for _, full := range tier {
			if want[full] {
				kept = append(kept, full)
			}
		}
		if len(kept) > 0 {
			tiers = append(tiers, kept)
		}
	}
	return tiers
}
