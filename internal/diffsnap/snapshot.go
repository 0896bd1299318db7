package diffsnap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/r3e-network/dataplatform/internal/model"
	"github.com/r3e-network/dataplatform/internal/warehouse"
)

// FileManifestEntry records one discovered model file's path and content
// hash at snapshot time.
type FileManifestEntry struct {
	FullName    string `json:"full_name"`
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
}

// TableSignature is a cheap, comparable fingerprint of one materialized
// table: its column set and row count, reduced to a single checksum so two
// snapshots can be compared without re-reading every row.
type TableSignature struct {
	FullName string              `json:"full_name"`
	RowCount int64               `json:"row_count"`
	Columns  []warehouse.ColumnInfo `json:"columns"`
	Checksum string              `json:"checksum"`
}

// Snapshot is a named, point-in-time capture of the discovered model set
// and the warehouse's materialized tables.
type Snapshot struct {
	Name      string           `json:"name"`
	CreatedAt time.Time        `json:"created_at"`
	Files     []FileManifestEntry `json:"files"`
	Tables    []TableSignature `json:"tables"`
}

// Capture builds a Snapshot from the given models (already discovered and
// parsed) and their currently materialized tables or views. Every model gets
// a file manifest entry; a model whose relation does not exist in the
// warehouse (never built) gets no table signature.
func Capture(ctx context.Context, wh *warehouse.Warehouse, is warehouse.InformationSchema, name string, models map[string]*model.Model, capturedAt time.Time) (*Snapshot, error) {
	snap := &Snapshot{Name: name, CreatedAt: capturedAt}

	fullNames := make([]string, 0, len(models))
	for fullName := range models {
		fullNames = append(fullNames, fullName)
	}
	sort.Strings(fullNames)

	for _, fullName := range fullNames {
		m := models[fullName]
		snap.Files = append(snap.Files, FileManifestEntry{
			FullName:    fullName,
			Path:        m.Path,
			ContentHash: m.ContentHash,
		})

		target := warehouse.QualifiedFullName(fullName)
		exists, err := is.TableExists(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("check %s exists: %w", fullName, err)
		}
		if !exists {
			continue
		}

		cols, err := is.Columns(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("introspect columns of %s: %w", fullName, err)
		}
		rowCount, err := countRows(ctx, wh, target)
		if err != nil {
			return nil, fmt.Errorf("count rows of %s: %w", fullName, err)
		}

		sig := TableSignature{FullName: fullName, RowCount: rowCount, Columns: cols}
		sig.Checksum = checksumTable(sig)
		snap.Tables = append(snap.Tables, sig)
	}

	return snap, nil
}

func countRows(ctx context.Context, wh *warehouse.Warehouse, target string) (int64, error) {
	var count int64
	row := wh.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %q`, target))
	return count, row.Scan(&count)
}

func checksumTable(sig TableSignature) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d", sig.FullName, sig.RowCount)
	for _, c := range sig.Columns {
		fmt.Fprintf(h, "|%s:%s:%v", c.Name, c.Type, c.Nullable)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WriteTo serializes the snapshot as JSON to "<dir>/<name>.json" and
// returns the written path.
func (s *Snapshot) WriteTo(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, s.Name+".json")
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot %s: %w", s.Name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot file %s: %w", path, err)
	}
	return path, nil
}

// Load reads a snapshot file written by WriteTo.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot file %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot file %s: %w", path, err)
	}
	return &snap, nil
}

// SnapshotDelta is the outcome of comparing two snapshots.
type SnapshotDelta struct {
	AddedTables   []string
	RemovedTables []string
	ChangedTables []string
	AddedFiles    []string
	RemovedFiles  []string
	ChangedFiles  []string
}

// Compare reports which tables and model files differ between two
// snapshots, by full_name/content_hash and table checksum respectively.
func Compare(a, b *Snapshot) SnapshotDelta {
	var delta SnapshotDelta

	aTables := tablesByName(a)
	bTables := tablesByName(b)
	for name, sig := range bTables {
		prior, ok := aTables[name]
		switch {
		case !ok:
			delta.AddedTables = append(delta.AddedTables, name)
		case prior.Checksum != sig.Checksum:
			delta.ChangedTables = append(delta.ChangedTables, name)
		}
	}
	for name := range aTables {
		if _, ok := bTables[name]; !ok {
			delta.RemovedTables = append(delta.RemovedTables, name)
		}
	}

	aFiles := filesByName(a)
	bFiles := filesByName(b)
	for name, entry := range bFiles {
		prior, ok := aFiles[name]
		switch {
		case !ok:
			delta.AddedFiles = append(delta.AddedFiles, name)
		case prior.ContentHash != entry.ContentHash:
			delta.ChangedFiles = append(delta.ChangedFiles, name)
		}
	}
	for name := range aFiles {
		if _, ok := bFiles[name]; !ok {
			delta.RemovedFiles = append(delta.RemovedFiles, name)
		}
	}

	sort.Strings(delta.AddedTables)
	sort.Strings(delta.RemovedTables)
	sort.Strings(delta.ChangedTables)
	sort.Strings(delta.AddedFiles)
	sort.Strings(delta.RemovedFiles)
	sort.Strings(delta.ChangedFiles)
	return delta
}

func tablesByName(s *Snapshot) map[string]TableSignature {
	m := make(map[string]TableSignature, len(s.Tables))
	for _, t := range s.Tables {
		m[t.FullName] = t
	}
	return m
}

func filesByName(s *Snapshot) map[string]FileManifestEntry {
	m := make(map[string]FileManifestEntry, len(s.Files))
	for _, f := range s.Files {
		m[f.FullName] = f
	}
	return m
}
