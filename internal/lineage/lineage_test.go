package lineage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/r3e-network/dataplatform/internal/dag"
	"github.com/r3e-network/dataplatform/internal/model"
	"github.com/r3e-network/dataplatform/internal/warehouse"
)

func TestExtractTableRefsIgnoresCTEs(t *testing.T) {
	refs := ExtractTableRefs(`
		WITH recent AS (SELECT * FROM bronze.events)
		SELECT * FROM recent JOIN silver.users AS u ON recent.user_id = u.id
	`)
	names := make(map[string]bool)
	for _, r := range refs {
		names[r.Name] = true
	}
	if names["recent"] {
		t.Fatalf("expected CTE name to be excluded, got %#v", refs)
	}
	if !names["silver.users"] {
		t.Fatalf("expected silver.users in refs, got %#v", refs)
	}
}

func TestColumnLineageWithAlias(t *testing.T) {
	query := "SELECT e.event_id, e.magnitude AS mag FROM silver.earthquake_events AS e"
	lineage, diag := ComputeColumnLineage(context.Background(), query, nil)
	if diag != "" {
		t.Fatalf("unexpected diagnostic: %s", diag)
	}

	attrs, ok := lineage["mag"]
	if !ok || len(attrs) != 1 {
		t.Fatalf("expected one attribution for mag, got %#v", lineage)
	}
	if attrs[0].SourceTable != "silver.earthquake_events" || attrs[0].SourceColumn != "magnitude" {
		t.Fatalf("unexpected attribution: %#v", attrs[0])
	}

	attrs, ok = lineage["event_id"]
	if !ok || attrs[0].SourceColumn != "event_id" {
		t.Fatalf("expected event_id attribution, got %#v", lineage)
	}
}

func TestColumnLineageComputedExpressionMultipleColumns(t *testing.T) {
	query := "SELECT a.x + a.y AS total FROM bronze.amounts AS a"
	lineage, diag := ComputeColumnLineage(context.Background(), query, nil)
	if diag != "" {
		t.Fatalf("unexpected diagnostic: %s", diag)
	}
	attrs := lineage["total"]
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributions for computed expression, got %#v", attrs)
	}
}

func TestColumnLineageUnionTakesFirstBranch(t *testing.T) {
	query := "SELECT a.id FROM bronze.a AS a UNION ALL SELECT b.id FROM bronze.b AS b"
	lineage, diag := ComputeColumnLineage(context.Background(), query, nil)
	if diag != "" {
		t.Fatalf("unexpected diagnostic: %s", diag)
	}
	attrs := lineage["id"]
	if len(attrs) != 1 || attrs[0].SourceTable != "bronze.a" {
		t.Fatalf("expected first-branch attribution from bronze.a, got %#v", attrs)
	}
}

func TestColumnLineageSelectStarWithoutConnectionReportsGap(t *testing.T) {
	query := "SELECT * FROM bronze.users"
	lineage, diag := ComputeColumnLineage(context.Background(), query, nil)
	if diag == "" {
		t.Fatalf("expected a diagnostic when no resolver is available")
	}
	if len(lineage) != 0 {
		t.Fatalf("expected empty lineage, got %#v", lineage)
	}
}

func TestColumnLineageSelectStarWithResolver(t *testing.T) {
	wh, err := warehouse.Open(context.Background(), filepath.Join(t.TempDir(), "wh.db"), 5000, 4, 2)
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	defer wh.Close()
	if _, err := wh.DB().ExecContext(context.Background(), `CREATE TABLE "bronze__users" (id INTEGER, name TEXT)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resolve := FromWarehouse(warehouse.NewInformationSchema(wh.DB()))
	lineage, diag := ComputeColumnLineage(context.Background(), "SELECT * FROM bronze.users", resolve)
	if diag != "" {
		t.Fatalf("unexpected diagnostic: %s", diag)
	}
	if _, ok := lineage["id"]; !ok {
		t.Fatalf("expected id column resolved via SELECT *, got %#v", lineage)
	}
	if _, ok := lineage["name"]; !ok {
		t.Fatalf("expected name column resolved via SELECT *, got %#v", lineage)
	}
}

func TestUnparseableQueryIsNonFatal(t *testing.T) {
	lineage, diag := ComputeColumnLineage(context.Background(), "not even sql", nil)
	if diag == "" {
		t.Fatalf("expected a diagnostic for unparseable input")
	}
	if len(lineage) != 0 {
		t.Fatalf("expected empty lineage map, got %#v", lineage)
	}
}

func TestImpactReturnsDescendantsAndColumnTrace(t *testing.T) {
	models := map[string]*model.Model{
		"bronze.users": {Schema: "bronze", Name: "users", Query: "SELECT id, name FROM landing.users"},
		"silver.users": {
			Schema:    "silver",
			Name:      "users",
			Query:     "SELECT b.id, b.name AS full_name FROM bronze.users AS b",
			DependsOn: []string{"bronze.users"},
		},
		"gold.unrelated": {
			Schema:    "gold",
			Name:      "unrelated",
			Query:     "SELECT 1",
			DependsOn: []string{"bronze.users"},
		},
	}
	g, err := dag.Build(models)
	if err != nil {
		t.Fatalf("build dag: %v", err)
	}

	result := Impact(context.Background(), g, nil, "bronze.users", "name")
	if len(result.Descendants) != 2 {
		t.Fatalf("expected 2 descendants, got %#v", result.Descendants)
	}
	if len(result.ViaColumn) != 1 || result.ViaColumn[0] != "silver.users" {
		t.Fatalf("expected only silver.users to trace column lineage to name, got %#v", result.ViaColumn)
	}
}

func TestValidateRewritesKnownReferences(t *testing.T) {
	wh, err := warehouse.Open(context.Background(), filepath.Join(t.TempDir(), "wh.db"), 5000, 4, 2)
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	defer wh.Close()
	if _, err := wh.DB().ExecContext(context.Background(), `CREATE TABLE "bronze__users" (id INTEGER)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	models := map[string]*model.Model{
		"bronze.users": {Schema: "bronze", Name: "users", Query: "SELECT id FROM landing.users"},
		"silver.users": {
			Schema:    "silver",
			Name:      "users",
			Query:     "SELECT id FROM bronze.users",
			DependsOn: []string{"bronze.users"},
		},
	}
	g, err := dag.Build(models)
	if err != nil {
		t.Fatalf("build dag: %v", err)
	}

	errs := Validate(context.Background(), wh.DB(), g)
	for _, e := range errs {
		if strings.Contains(e.Error(), "silver.users") {
			t.Fatalf("did not expect silver.users to fail validation: %v", e)
		}
	}
}
