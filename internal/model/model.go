// Package model defines the Model value type and the directive vocabulary
// parsed from transform/<schema>/<name>.sql files (spec.md §3, §4.1).
package model

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Materialization is the closed set of ways a model can be realized in the
// warehouse.
type Materialization string

const (
	MaterializedView        Materialization = "view"
	MaterializedTable       Materialization = "table"
	MaterializedIncremental Materialization = "incremental"
)

// IncrementalStrategy is the closed set of incremental apply strategies.
type IncrementalStrategy string

const (
	StrategyMerge        IncrementalStrategy = "merge"
	StrategyDeleteInsert IncrementalStrategy = "delete+insert"
	StrategyAppend       IncrementalStrategy = "append"
)

// identifierPattern is the grammar every name, schema, and directive-sourced
// column must satisfy (spec.md §3 invariants).
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s satisfies the identifier grammar.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ColumnDoc is a single `-- column <col>: <text>` directive.
type ColumnDoc struct {
	Column string
	Text   string
}

// Model is a single parsed .sql file (spec.md §3).
type Model struct {
	Path   string
	Schema string
	Name   string

	SQL   string // raw file content
	Query string // directives stripped, leading blank lines trimmed

	Materialized         Materialization
	UniqueKey            string
	IncrementalStrategy  IncrementalStrategy
	PartitionBy          string
	IncrementalFilter    string

	DependsOn   []string // declared upstream full_names, in declaration order
	Assertions  []string // assertion expressions, in declaration order
	Description string
	ColumnDocs  map[string]string

	ContentHash  string
	UpstreamHash string
}

// FullName returns "schema.name".
func (m *Model) FullName() string {
	return m.Schema + "." + m.Name
}

// Validate checks the identifier-grammar invariants for a fully parsed
// model. It does not check cross-model invariants: full_name uniqueness is
// checked by discovery, acyclicity by the DAG planner.
func (m *Model) Validate() error {
	if !ValidIdentifier(m.Schema) {
		return fmt.Errorf("invalid schema identifier %q", m.Schema)
	}
	if !ValidIdentifier(m.Name) {
		return fmt.Errorf("invalid model name %q", m.Name)
	}
	if m.UniqueKey != "" && !ValidIdentifier(m.UniqueKey) {
		return fmt.Errorf("invalid unique_key identifier %q", m.UniqueKey)
	}
	if m.PartitionBy != "" && !ValidIdentifier(m.PartitionBy) {
		return fmt.Errorf("invalid partition_by identifier %q", m.PartitionBy)
	}
	for _, dep := range m.DependsOn {
		schema, name, ok := strings.Cut(dep, ".")
		if !ok || !ValidIdentifier(schema) || !ValidIdentifier(name) {
			return fmt.Errorf("invalid depends_on entry %q", dep)
		}
	}
	for col := range m.ColumnDocs {
		if !ValidIdentifier(col) {
			return fmt.Errorf("invalid column identifier %q", col)
		}
	}
	switch m.Materialized {
	case MaterializedView, MaterializedTable, MaterializedIncremental:
	default:
		return fmt.Errorf("invalid materialized kind %q", m.Materialized)
	}
	if m.Materialized == MaterializedIncremental {
		switch m.IncrementalStrategy {
		case StrategyMerge, StrategyDeleteInsert:
			if m.UniqueKey == "" && m.IncrementalStrategy == StrategyMerge {
				return fmt.Errorf("strategy %q requires unique_key", m.IncrementalStrategy)
			}
		case StrategyAppend:
		default:
			return fmt.Errorf("invalid incremental_strategy %q", m.IncrementalStrategy)
		}
	}
	return nil
}

// ResolveIncrementalStrategy applies the default-strategy resolution rule
// from SPEC_FULL.md §D(a): unique_key present -> merge, else -> append.
func ResolveIncrementalStrategy(uniqueKey string, declared IncrementalStrategy) IncrementalStrategy {
	if declared != "" {
		return declared
	}
	if uniqueKey != "" {
		return StrategyMerge
	}
	return StrategyAppend
}

// NormalizeWhitespace collapses every run of whitespace to a single space
// and trims the result, the normalization content_hash is computed over.
func NormalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// ContentHash returns the 16-hex-character prefix of a blake2b-256 digest of
// the whitespace-normalized query (spec.md §4.1).
func ContentHash(query string) string {
	normalized := NormalizeWhitespace(query)
	sum := blake2b.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// UpstreamHash returns the 16-hex-character prefix of a blake2b-256 digest
// over the concatenation of the given content hashes, which callers must
// already have sorted by dependency full_name (spec.md §4.2).
func UpstreamHash(sortedDepContentHashes []string) string {
	sum := blake2b.Sum256([]byte(strings.Join(sortedDepContentHashes, "")))
	return hex.EncodeToString(sum[:])[:16]
}
