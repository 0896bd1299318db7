package diffsnap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/r3e-network/dataplatform/internal/model"
	"github.com/r3e-network/dataplatform/internal/warehouse"
)

func TestCaptureSnapshotIncludesFilesAndTables(t *testing.T) {
	wh := openTestWarehouse(t)
	execSQL(t, wh, `CREATE TABLE "bronze__users" (id INTEGER, name TEXT)`)
	execSQL(t, wh, `INSERT INTO "bronze__users" (id, name) VALUES (1, 'ann'), (2, 'bo')`)

	models := map[string]*model.Model{
		"bronze.users": {Path: "transform/bronze/users.sql", Schema: "bronze", Name: "users", ContentHash: "abc123"},
		"gold.report":  {Path: "transform/gold/report.sql", Schema: "gold", Name: "report", ContentHash: "def456"},
	}

	is := warehouse.NewInformationSchema(wh.DB())
	snap, err := Capture(context.Background(), wh, is, "nightly", models, time.Unix(0, 0).UTC())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	if len(snap.Files) != 2 {
		t.Fatalf("expected 2 file manifest entries, got %d", len(snap.Files))
	}
	if len(snap.Tables) != 1 {
		t.Fatalf("expected only bronze.users to have a materialized table, got %#v", snap.Tables)
	}
	if snap.Tables[0].RowCount != 2 {
		t.Fatalf("expected row count 2, got %d", snap.Tables[0].RowCount)
	}
}

func TestSnapshotWriteAndLoadRoundTrip(t *testing.T) {
	wh := openTestWarehouse(t)
	execSQL(t, wh, `CREATE TABLE "bronze__users" (id INTEGER)`)

	models := map[string]*model.Model{
		"bronze.users": {Path: "transform/bronze/users.sql", Schema: "bronze", Name: "users", ContentHash: "abc123"},
	}
	is := warehouse.NewInformationSchema(wh.DB())
	snap, err := Capture(context.Background(), wh, is, "v1", models, time.Unix(1000, 0).UTC())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	dir := t.TempDir()
	path, err := snap.WriteTo(dir)
	if err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("expected snapshot written under %s, got %s", dir, path)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded.Name != "v1" || len(loaded.Tables) != 1 || loaded.Tables[0].FullName != "bronze.users" {
		t.Fatalf("round trip mismatch: %#v", loaded)
	}
}

func TestCompareSnapshotsDetectsAddedRemovedChanged(t *testing.T) {
	a := &Snapshot{
		Name: "a",
		Files: []FileManifestEntry{
			{FullName: "bronze.users", ContentHash: "hash1"},
			{FullName: "bronze.orders", ContentHash: "hash2"},
		},
		Tables: []TableSignature{
			{FullName: "bronze.users", Checksum: "chk1"},
			{FullName: "bronze.orders", Checksum: "chk2"},
		},
	}
	b := &Snapshot{
		Name: "b",
		Files: []FileManifestEntry{
			{FullName: "bronze.users", ContentHash: "hash1-changed"},
			{FullName: "silver.new_model", ContentHash: "hash3"},
		},
		Tables: []TableSignature{
			{FullName: "bronze.users", Checksum: "chk1-changed"},
			{FullName: "silver.new_model", Checksum: "chk3"},
		},
	}

	delta := Compare(a, b)

	if len(delta.AddedTables) != 1 || delta.AddedTables[0] != "silver.new_model" {
		t.Fatalf("unexpected added tables: %#v", delta.AddedTables)
	}
	if len(delta.RemovedTables) != 1 || delta.RemovedTables[0] != "bronze.orders" {
		t.Fatalf("unexpected removed tables: %#v", delta.RemovedTables)
	}
	if len(delta.ChangedTables) != 1 || delta.ChangedTables[0] != "bronze.users" {
		t.Fatalf("unexpected changed tables: %#v", delta.ChangedTables)
	}
	if len(delta.AddedFiles) != 1 || delta.AddedFiles[0] != "silver.new_model" {
		t.Fatalf("unexpected added files: %#v", delta.AddedFiles)
	}
	if len(delta.RemovedFiles) != 1 || delta.RemovedFiles[0] != "bronze.orders" {
		t.Fatalf("unexpected removed files: %#v", delta.RemovedFiles)
	}
	if len(delta.ChangedFiles) != 1 || delta.ChangedFiles[0] != "bronze.users" {
		t.Fatalf("unexpected changed files: %#v", delta.ChangedFiles)
	}
}
