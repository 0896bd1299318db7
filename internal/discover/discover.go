// Package discover walks a transform root, parses each model's inline
// directives, and returns the discovered model set (spec.md §4.1).
package discover

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/r3e-network/dataplatform/internal/model"
)

// recognizedConfigKeys enumerates the config: keys the directive parser
// accepts; anything else is a hard error (spec.md §4.1, §9).
var recognizedConfigKeys = map[string]bool{
	"materialized":         true,
	"schema":               true,
	"unique_key":           true,
	"incremental_strategy": true,
	"partition_by":         true,
	"incremental_filter":   true,
}

// ParseError describes a single directive/parse problem, pinned to a file
// and line for precise error reporting (spec.md §6, §7).
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Warning is a non-fatal discovery observation (e.g. an orphaned
// depends_on reference), surfaced alongside parse errors per SPEC_FULL.md §C.
type Warning struct {
	File string
	Msg  string
}

// Result is the outcome of a full discovery pass.
type Result struct {
	Models   map[string]*model.Model // full_name -> model
	Errors   *multierror.Error       // accumulated ParseErrors, nil if none
	Warnings []Warning
}

// Discover walks root recursively for *.sql files in a stable
// (lexicographic) order, parses each one, and returns every model found.
// Parse errors are accumulated rather than returned immediately so that a
// single bad file does not hide problems in the rest of the project
// (spec.md §7: "collected; fail fast before any DDL runs").
func Discover(root string) (*Result, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".sql") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk transform root %s: %w", root, err)
	}
	sort.Strings(paths)

	res := &Result{Models: make(map[string]*model.Model)}
	seenFullName := make(map[string]string) // full_name -> first file path seen

	for _, path := range paths {
		m, parseErr := parseFile(root, path)
		if parseErr != nil {
			res.Errors = multierror.Append(res.Errors, parseErr)
			continue
		}
		if verr := m.Validate(); verr != nil {
			res.Errors = multierror.Append(res.Errors, &ParseError{File: path, Line: 1, Msg: verr.Error()})
			continue
		}
		full := m.FullName()
		if prior, dup := seenFullName[full]; dup {
			res.Errors = multierror.Append(res.Errors, &ParseError{
				File: path,
				Line: 1,
				Msg:  fmt.Sprintf("duplicate model %q also declared in %s", full, prior),
			})
			continue
		}
		seenFullName[full] = path
		res.Models[full] = m
	}

	res.Warnings = append(res.Warnings, orphanWarnings(res.Models)...)
	return res, nil
}

// recognizedExternalPrefixes names the "schema." prefixes a depends_on
// entry may legitimately point at without a matching discovered model —
// sources fed by seed/ingest steps rather than transform SQL files
// (SPEC_FULL.md §C "orphan detection").
var recognizedExternalPrefixes = []string{"landing.", "seed."}

// orphanWarnings reports, for every model, a depends_on entry that matches
// neither a known model nor a recognized external source prefix. This is a
// warning, not a ParseError: an orphaned reference doesn't stop discovery
// (the DAG builder drops unknown edges on its own), but a human should
// still be told about a likely typo.
func orphanWarnings(models map[string]*model.Model) []Warning {
	var warnings []Warning
	fullNames := make([]string, 0, len(models))
	for full := range models {
		fullNames = append(fullNames, full)
	}
	sort.Strings(fullNames)

	for _, full := range fullNames {
		m := models[full]
		for _, dep := range m.DependsOn {
			if _, ok := models[dep]; ok {
				continue
			}
			if isRecognizedExternalSource(dep) {
				continue
			}
			warnings = append(warnings, Warning{
				File: m.Path,
				Msg:  fmt.Sprintf("%s declares depends_on %q, which matches no known model or recognized external source", full, dep),
			})
		}
	}
	return warnings
}

func isRecognizedExternalSource(dep string) bool {
	for _, prefix := range recognizedExternalPrefixes {
		if strings.HasPrefix(dep, prefix) {
			return true
		}
	}
	return false
}

// parseFile parses a single model file's directives and query body.
func parseFile(root, path string) (*model.Model, *ParseError) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{File: path, Line: 0, Msg: err.Error()}
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}
	schema := filepath.Base(filepath.Dir(rel))
	name := strings.TrimSuffix(filepath.Base(path), ".sql")

	m := &model.Model{
		Path:         path,
		Schema:       schema,
		Name:         name,
		SQL:          string(raw),
		Materialized: model.MaterializedView,
		ColumnDocs:   make(map[string]string),
	}

	lines := strings.Split(string(raw), "\n")
	var queryLines []string

	for i, line := range lines {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		directive, body, isDirective := splitDirective(trimmed)
		if !isDirective {
			queryLines = append(queryLines, line)
			continue
		}

		switch directive {
		case "config":
			if err := applyConfig(m, body); err != nil {
				return nil, &ParseError{File: path, Line: lineNo, Msg: err.Error()}
			}
		case "depends_on":
			for _, dep := range strings.Split(body, ",") {
				dep = strings.TrimSpace(dep)
				if dep == "" {
					continue
				}
				m.DependsOn = append(m.DependsOn, dep)
			}
		case "assert":
			expr := strings.TrimSpace(body)
			if expr == "" {
				return nil, &ParseError{File: path, Line: lineNo, Msg: "assert directive requires an expression"}
			}
			m.Assertions = append(m.Assertions, expr)
		case "description":
			m.Description = strings.TrimSpace(body)
		default:
			if strings.HasPrefix(directive, "column ") {
				col := strings.TrimSpace(strings.TrimPrefix(directive, "column "))
				m.ColumnDocs[col] = strings.TrimSpace(body)
			} else {
				return nil, &ParseError{File: path, Line: lineNo, Msg: fmt.Sprintf("unrecognized directive %q", directive)}
			}
		}
	}

	query := strings.Join(queryLines, "\n")
	query = strings.TrimLeft(query, "\n\r\t ")
	m.Query = query
	m.ContentHash = model.ContentHash(query)
	m.IncrementalStrategy = model.ResolveIncrementalStrategy(m.UniqueKey, m.IncrementalStrategy)

	return m, nil
}

// splitDirective recognizes a line of the form "-- key: value" or
// "-- column <col>: value" and returns (key, value, true); otherwise
// ("", "", false).
func splitDirective(line string) (string, string, bool) {
	if !strings.HasPrefix(line, "--") {
		return "", "", false
	}
	body := strings.TrimSpace(strings.TrimPrefix(line, "--"))
	key, val, ok := strings.Cut(body, ":")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	lowerKey := strings.ToLower(key)
	switch {
	case lowerKey == "config", lowerKey == "depends_on", lowerKey == "assert", lowerKey == "description":
		return lowerKey, strings.TrimSpace(val), true
	case strings.HasPrefix(lowerKey, "column "):
		// Column identifiers are case-sensitive, so the name after "column "
		// keeps its original case; only the directive keyword is normalized.
		return "column " + strings.TrimSpace(key[len("column "):]), strings.TrimSpace(val), true
	default:
		return "", "", false
	}
}

// applyConfig parses a "-- config: k1=v1, k2=v2" body onto m. Values are
// split on a bare comma, so an incremental_filter expression containing a
// literal comma (e.g. a SQL IN-list) must not be written in the single-line
// config directive; such models should express incremental_filter via a
// value that avoids top-level commas, or future work could give
// incremental_filter its own directive line the way assert/depends_on do.
func applyConfig(m *model.Model, body string) error {
	for _, pair := range strings.Split(body, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("malformed config entry %q", pair)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if !recognizedConfigKeys[key] {
			return fmt.Errorf("unknown config key %q", key)
		}
		switch key {
		case "materialized":
			switch model.Materialization(val) {
			case model.MaterializedView, model.MaterializedTable, model.MaterializedIncremental:
				m.Materialized = model.Materialization(val)
			default:
				return fmt.Errorf("invalid materialized value %q", val)
			}
		case "schema":
			if !model.ValidIdentifier(val) {
				return fmt.Errorf("invalid schema identifier %q", val)
			}
			m.Schema = val
		case "unique_key":
			if !model.ValidIdentifier(val) {
				return fmt.Errorf("invalid unique_key identifier %q", val)
			}
			m.UniqueKey = val
		case "incremental_strategy":
			switch model.IncrementalStrategy(val) {
			case model.StrategyMerge, model.StrategyDeleteInsert, model.StrategyAppend:
				m.IncrementalStrategy = model.IncrementalStrategy(val)
			default:
				return fmt.Errorf("invalid incremental_strategy value %q", val)
			}
		case "partition_by":
			if !model.ValidIdentifier(val) {
				return fmt.Errorf("invalid partition_by identifier %q", val)
			}
			m.PartitionBy = val
		case "incremental_filter":
			m.IncrementalFilter = val
		}
	}
	return nil
}
