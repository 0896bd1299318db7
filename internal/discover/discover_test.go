package discover

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/r3e-network/dataplatform/internal/model"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDiscoverTwoLevelDAG(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bronze/users.sql",
		"-- config: materialized=view\n"+
			"-- depends_on: landing.users\n"+
			"SELECT id, UPPER(name) AS name FROM landing.users\n")
	writeFile(t, root, "gold/dim_users.sql",
		"-- config: materialized=table\n"+
			"-- depends_on: bronze.users\n"+
			"SELECT id, name, 'active' AS status FROM bronze.users\n")

	res, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if res.Errors != nil {
		t.Fatalf("unexpected parse errors: %v", res.Errors)
	}
	if len(res.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(res.Models))
	}

	bronze, ok := res.Models["bronze.users"]
	if !ok {
		t.Fatalf("missing bronze.users")
	}
	if bronze.Materialized != model.MaterializedView {
		t.Fatalf("expected view, got %s", bronze.Materialized)
	}
	if len(bronze.DependsOn) != 1 || bronze.DependsOn[0] != "landing.users" {
		t.Fatalf("unexpected deps: %#v", bronze.DependsOn)
	}
	if bronze.Query != "SELECT id, UPPER(name) AS name FROM landing.users\n" {
		t.Fatalf("unexpected query: %q", bronze.Query)
	}

	gold, ok := res.Models["gold.dim_users"]
	if !ok {
		t.Fatalf("missing gold.dim_users")
	}
	if gold.Materialized != model.MaterializedTable {
		t.Fatalf("expected table, got %s", gold.Materialized)
	}
}

func TestDiscoverUnknownConfigKeyIsError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bronze/bad.sql", "-- config: bogus=1\nSELECT 1\n")

	res, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if res.Errors == nil {
		t.Fatalf("expected a parse error for unknown config key")
	}
	if len(res.Models) != 0 {
		t.Fatalf("expected no models discovered, got %d", len(res.Models))
	}
}

func TestDiscoverDuplicateFullNameRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bronze/users.sql", "SELECT 1\n")
	writeFile(t, root, "other/bronze/users.sql", "SELECT 2\n")
	// Both files above resolve to bronze.users (schema is the immediate
	// parent directory); the file below collides too, via a schema override.
	writeFile(t, root, "silver/users.sql", "-- config: schema=bronze\nSELECT 3\n")

	res, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if res.Errors == nil {
		t.Fatalf("expected duplicate full_name to be rejected")
	}
}

func TestDiscoverIdentifierValidation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bronze/bad-name.sql", "SELECT 1\n")

	res, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if res.Errors == nil {
		t.Fatalf("expected invalid identifier to be rejected")
	}
}

func TestDiscoverAssertDirectivesAccumulate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bronze/checked.sql",
		"-- assert: row_count > 0\n"+
			"-- assert: unique(id)\n"+
			"SELECT 1 AS id\n")

	res, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	m := res.Models["bronze.checked"]
	if m == nil {
		t.Fatalf("model not discovered")
	}
	if len(m.Assertions) != 2 {
		t.Fatalf("expected 2 assertions, got %#v", m.Assertions)
	}
}

func TestDiscoverColumnDocPreservesCase(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bronze/users.sql",
		"-- column UserId: surrogate key from the source system\n"+
			"-- column name: display name\n"+
			"SELECT 1 AS UserId, 'a' AS name\n")

	res, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	m := res.Models["bronze.users"]
	if m == nil {
		t.Fatalf("model not discovered")
	}
	if doc, ok := m.ColumnDocs["UserId"]; !ok || doc != "surrogate key from the source system" {
		t.Fatalf("expected ColumnDocs[%q] to preserve original case, got %#v", "UserId", m.ColumnDocs)
	}
	if _, ok := m.ColumnDocs["userid"]; ok {
		t.Fatalf("column doc key should not be lowercased, got %#v", m.ColumnDocs)
	}
	if doc, ok := m.ColumnDocs["name"]; !ok || doc != "display name" {
		t.Fatalf("expected ColumnDocs[%q] = %q, got %#v", "name", "display name", m.ColumnDocs)
	}
}

func TestDiscoverOrphanDependsOnIsWarningNotError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "bronze/users.sql",
		"-- depends_on: landing.users, silver.typo_model\n"+
			"SELECT 1 AS id\n")

	res, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if res.Errors != nil {
		t.Fatalf("expected an orphaned dependency to be a warning, not a parse error: %v", res.Errors)
	}
	if len(res.Models) != 1 {
		t.Fatalf("expected the model to still be discovered, got %d", len(res.Models))
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected exactly one orphan warning, got %#v", res.Warnings)
	}
	if res.Warnings[0].Msg == "" {
		t.Fatalf("expected a non-empty warning message")
	}
}

func TestDiscoverEmptyDirectoryIsNoOp(t *testing.T) {
	root := t.TempDir()
	res, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(res.Models) != 0 || res.Errors != nil {
		t.Fatalf("expected empty, error-free result")
	}
}
