package metadata

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/r3e-network/dataplatform/internal/warehouse"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	wh, err := warehouse.Open(ctx, filepath.Join(t.TempDir(), "wh.db"), 5000, 4, 2)
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	t.Cleanup(func() { wh.Close() })

	store, err := Open(ctx, wh)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	wh, err := warehouse.Open(ctx, filepath.Join(t.TempDir(), "wh.db"), 5000, 4, 2)
	if err != nil {
		t.Fatalf("open warehouse: %v", err)
	}
	defer wh.Close()

	if _, err := Open(ctx, wh); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := Open(ctx, wh); err != nil {
		t.Fatalf("second apply should be a no-op, got: %v", err)
	}
}

func TestModelStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if st, err := store.GetModelState(ctx, "bronze.users"); err != nil {
		t.Fatalf("get: %v", err)
	} else if st != nil {
		t.Fatalf("expected no state before any run, got %#v", st)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	want := ModelState{
		FullName:       "bronze.users",
		ContentHash:    "abc123",
		UpstreamHash:   "def456",
		MaterializedAs: "view",
		LastRunAt:      now,
		RunDurationMS:  120,
		RowCount:       42,
	}
	if err := store.UpsertModelState(ctx, store.wh.DB(), want); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetModelState(ctx, "bronze.users")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got == nil || got.ContentHash != want.ContentHash || got.RowCount != want.RowCount {
		t.Fatalf("unexpected state: %#v", got)
	}

	want.RowCount = 100
	if err := store.UpsertModelState(ctx, store.wh.DB(), want); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err = store.GetModelState(ctx, "bronze.users")
	if err != nil {
		t.Fatalf("get after re-upsert: %v", err)
	}
	if got.RowCount != 100 {
		t.Fatalf("expected row_count to update in place, got %d", got.RowCount)
	}
}

func TestRunLogAppendAndPrune(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	old := RunLogEntry{
		RunType:    "transform",
		Target:     "bronze.users",
		Status:     "success",
		StartedAt:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2020, 1, 1, 0, 0, 1, 0, time.UTC),
		DurationMS: 1000,
	}
	recent := old
	recent.StartedAt = time.Now().UTC()
	recent.FinishedAt = recent.StartedAt.Add(time.Second)

	if _, err := store.AppendRunLog(ctx, store.wh.DB(), old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if _, err := store.AppendRunLog(ctx, store.wh.DB(), recent); err != nil {
		t.Fatalf("append recent: %v", err)
	}

	entries, err := store.RunLogForTarget(ctx, "bronze.users", 10)
	if err != nil {
		t.Fatalf("run log for target: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	affected, err := store.PruneRunLog(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 pruned row, got %d", affected)
	}

	entries, err = store.RunLogForTarget(ctx, "bronze.users", 10)
	if err != nil {
		t.Fatalf("run log after prune: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", len(entries))
	}
}

func TestModelProfileFullReplace(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	nullJSON, distJSON, err := EncodeProfileMaps(
		map[string]float64{"id": 0, "name": 0.1},
		map[string]int64{"id": 100, "name": 95},
	)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	p := ModelProfile{
		FullName:        "bronze.users",
		RowCount:        100,
		ColumnCount:     2,
		NullPercentages: nullJSON,
		DistinctCounts:  distJSON,
		ProfiledAt:      time.Now().UTC(),
	}
	if err := store.UpsertModelProfile(ctx, store.wh.DB(), p); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}

	p.RowCount = 200
	p.ColumnCount = 3
	if err := store.UpsertModelProfile(ctx, store.wh.DB(), p); err != nil {
		t.Fatalf("re-upsert profile: %v", err)
	}

	got, err := store.GetModelProfile(ctx, "bronze.users")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if got.RowCount != 200 || got.ColumnCount != 3 {
		t.Fatalf("expected full replace, got %#v", got)
	}
}

func TestAssertionResultsAccumulate(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for i := 0; i < 3; i++ {
		r := AssertionResult{
			ModelPath:  "bronze.empty",
			Expression: "row_count > 0",
			Passed:     false,
			Detail:     "row_count=0",
			CheckedAt:  time.Now().UTC(),
		}
		if err := store.AppendAssertionResult(ctx, store.wh.DB(), r); err != nil {
			t.Fatalf("append assertion result %d: %v", i, err)
		}
	}

	results, err := store.AssertionResultsForModel(ctx, "bronze.empty")
	if err != nil {
		t.Fatalf("assertion results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 accumulated results, got %d", len(results))
	}
}

func TestWriterTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.wh.WithWriterTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertModelState(ctx, tx, ModelState{
			FullName:       "bronze.users",
			ContentHash:    "x",
			UpstreamHash:   "y",
			MaterializedAs: "view",
			LastRunAt:      time.Now().UTC(),
		}); err != nil {
			return err
		}
		return sql.ErrTxDone // force rollback
	})
	if err == nil {
		t.Fatalf("expected rollback error to propagate")
	}

	st, err := store.GetModelState(ctx, "bronze.users")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st != nil {
		t.Fatalf("expected rollback to discard the write, got %#v", st)
	}
}
