// Package dag builds and queries the model dependency graph: topological
// order, level-tiers for parallel execution, upstream hashes for change
// detection, and downstream/upstream closure queries (spec.md §4.2).
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/r3e-network/dataplatform/internal/model"
)

// Graph is the built dependency graph for one discovery pass.
type Graph struct {
	Models map[string]*model.Model // full_name -> model, as given

	// edges maps a model's full_name to the full_names of its known
	// (in-project) dependencies. External references are dropped here but
	// remain on the Model's DependsOn for diagnostics/visualization.
	edges map[string][]string

	// reverse maps a model's full_name to the full_names of models that
	// declare it as a dependency.
	reverse map[string][]string

	Order []string   // topological order, ties broken lexicographically
	Tiers [][]string // level-schedule; Tiers[0] has no intra-project deps
}

// Build constructs a Graph from a discovered model set. It returns a cycle
// error (via CycleError) if the declared dependencies are not acyclic.
func Build(models map[string]*model.Model) (*Graph, error) {
	g := &Graph{
		Models:  models,
		edges:   make(map[string][]string),
		reverse: make(map[string][]string),
	}

	for full, m := range models {
		var known []string
		for _, dep := range m.DependsOn {
			if _, ok := models[dep]; ok {
				known = append(known, dep)
			}
		}
		sort.Strings(known)
		g.edges[full] = known
		for _, dep := range known {
			g.reverse[dep] = append(g.reverse[dep], full)
		}
	}
	for full := range g.reverse {
		sort.Strings(g.reverse[full])
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.Order = order
	g.Tiers = g.computeTiers()

	return g, nil
}

// CycleError reports a dependency cycle, naming every model on the cycle in
// traversal order.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// topologicalOrder computes a deterministic linearization (Kahn's
// algorithm, ties broken lexicographically by full_name) and detects
// cycles.
func (g *Graph) topologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.Models))
	for full := range g.Models {
		indegree[full] = len(g.edges[full])
	}

	var ready []string
	for full := range g.Models {
		if indegree[full] == 0 {
			ready = append(ready, full)
		}
	}
	sort.Strings(ready)

	var order []string
	remaining := make(map[string]int, len(indegree))
	for k, v := range indegree {
		remaining[k] = v
	}

	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		children := g.reverse[next]
		for _, child := range children {
			remaining[child]--
			if remaining[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(order) != len(g.Models) {
		cyclePath := g.findCycle(remaining)
		return nil, &CycleError{Path: cyclePath}
	}
	return order, nil
}

// findCycle returns one concrete cycle among the models whose indegree
// never reached zero, for precise error reporting.
func (g *Graph) findCycle(remaining map[string]int) []string {
	var stuck []string
	for full, deg := range remaining {
		if deg > 0 {
			stuck = append(stuck, full)
		}
	}
	sort.Strings(stuck)
	if len(stuck) == 0 {
		return nil
	}

	visited := make(map[string]int) // 0=unvisited,1=on-stack,2=done
	var path []string

	var visit func(node string) []string
	visit = func(node string) []string {
		visited[node] = 1
		path = append(path, node)
		for _, dep := range g.edges[node] {
			if remaining[dep] <= 0 {
				continue
			}
			switch visited[dep] {
			case 1:
				// found the back-edge closing the cycle
				idx := indexOf(path, dep)
				cycle := append(append([]string{}, path[idx:]...), dep)
				return cycle
			case 0:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		visited[node] = 2
		path = path[:len(path)-1]
		return nil
	}

	for _, start := range stuck {
		if visited[start] == 0 {
			if cyc := visit(start); cyc != nil {
				return cyc
			}
		}
	}
	return stuck
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// computeTiers groups the topological order into level-tiers: tier 0 has no
// intra-project deps; tier k+1's models all have deps in tiers <= k.
func (g *Graph) computeTiers() [][]string {
	tierOf := make(map[string]int, len(g.Models))
	var tiers [][]string

	for _, full := range g.Order {
		maxDepTier := -1
		for _, dep := range g.edges[full] {
			if t := tierOf[dep]; t > maxDepTier {
				maxDepTier = t
			}
		}
		tier := maxDepTier + 1
		tierOf[full] = tier
		for len(tiers) <= tier {
			tiers = append(tiers, nil)
		}
		tiers[tier] = append(tiers[tier], full)
	}

	for i := range tiers {
		sort.Strings(tiers[i])
	}
	return tiers
}

// ComputeUpstreamHashes returns the upstream_hash for every model, computed
// in topological order so a dependency's own upstream_hash-influenced
// content_hash is never needed (only content_hash values feed upward,
// per spec.md §4.2).
func (g *Graph) ComputeUpstreamHashes() map[string]string {
	hashes := make(map[string]string, len(g.Models))
	for _, full := range g.Order {
		deps := g.edges[full]
		var depHashes []string
		for _, dep := range deps {
			depHashes = append(depHashes, g.Models[dep].ContentHash)
		}
		hashes[full] = model.UpstreamHash(depHashes)
	}
	return hashes
}

// Descendants returns the transitive forward closure of fullName (every
// model that depends on it, directly or indirectly), via BFS on the
// reversed edge map. fullName itself is not included.
func (g *Graph) Descendants(fullName string) []string {
	return g.bfs(fullName, g.reverse)
}

// Ancestors returns the transitive upstream closure of fullName (every
// known-model dependency, directly or indirectly). fullName itself is not
// included.
func (g *Graph) Ancestors(fullName string) []string {
	return g.bfs(fullName, g.edges)
}

func (g *Graph) bfs(start string, adjacency map[string][]string) []string {
	visited := make(map[string]bool)
	queue := append([]string{}, adjacency[start]...)
	var result []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if visited[node] {
			continue
		}
		visited[node] = true
		result = append(result, node)
		queue = append(queue, adjacency[node]...)
	}
	sort.Strings(result)
	return result
}
