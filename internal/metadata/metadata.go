// Package metadata owns the warehouse-resident _internal schema: model_state,
// run_log, model_profiles, assertion_results, and contract_results (spec.md
// §4, table "Metadata store"). alert_log belongs to that same schema but is
// owned and written by an external collaborator, never by this package
// (spec.md §3); the engine only ever reports failing contracts through its
// RunReport, and alerting on that report is someone else's job. All writes
// here go through the warehouse's writer mutex; reads use the shared
// connection pool.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/dataplatform/internal/metadata/migrations"
	"github.com/r3e-network/dataplatform/internal/warehouse"
)

// Store is the sqlx-backed reader/writer for the _internal schema.
type Store struct {
	wh  *warehouse.Warehouse
	rdb *sqlx.DB
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting writers run
// either standalone or inside a warehouse.WithWriterTx transaction without
// sqlx's Tx-wrapping limitations.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// namedExec expands a `:field`-style query against arg via sqlx.Named and
// runs it through db, which may be *sql.DB or *sql.Tx.
func namedExec(ctx context.Context, db execer, query string, arg interface{}) (sql.Result, error) {
	expanded, args, err := sqlx.Named(query, arg)
	if err != nil {
		return nil, fmt.Errorf("expand named query: %w", err)
	}
	return db.ExecContext(ctx, expanded, args...)
}

// Open wraps wh, applying the embedded migrations before returning. wh must
// already be open.
func Open(ctx context.Context, wh *warehouse.Warehouse) (*Store, error) {
	if err := migrations.Apply(ctx, wh.DB()); err != nil {
		return nil, fmt.Errorf("apply metadata migrations: %w", err)
	}
	return &Store{wh: wh, rdb: sqlx.NewDb(wh.DB(), "sqlite")}, nil
}

// ModelState is one row of _internal__model_state (spec.md §3).
type ModelState struct {
	FullName       string    `db:"full_name"`
	ContentHash    string    `db:"content_hash"`
	UpstreamHash   string    `db:"upstream_hash"`
	MaterializedAs string    `db:"materialized_as"`
	LastRunAt      time.Time `db:"last_run_at"`
	RunDurationMS  int64     `db:"run_duration_ms"`
	RowCount       int64     `db:"row_count"`
}

// GetModelState returns the persisted state for fullName, or nil if the
// model has never successfully materialized.
func (s *Store) GetModelState(ctx context.Context, fullName string) (*ModelState, error) {
	var st ModelState
	err := s.rdb.GetContext(ctx, &st,
		`SELECT full_name, content_hash, upstream_hash, materialized_as, last_run_at, run_duration_ms, row_count
		 FROM _internal__model_state WHERE full_name = ?`, fullName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model state %s: %w", fullName, err)
	}
	return &st, nil
}

// UpsertModelState records a successful materialization. Callers must invoke
// this from inside the warehouse writer lock (e.g. via WithWriter/WithWriterTx)
// alongside the DDL it fingerprints, per spec.md §5.
func (s *Store) UpsertModelState(ctx context.Context, db execer, st ModelState) error {
	_, err := namedExec(ctx, db, `
		INSERT INTO _internal__model_state
			(full_name, content_hash, upstream_hash, materialized_as, last_run_at, run_duration_ms, row_count)
		VALUES
			(:full_name, :content_hash, :upstream_hash, :materialized_as, :last_run_at, :run_duration_ms, :row_count)
		ON CONFLICT(full_name) DO UPDATE SET
			content_hash = excluded.content_hash,
			upstream_hash = excluded.upstream_hash,
			materialized_as = excluded.materialized_as,
			last_run_at = excluded.last_run_at,
			run_duration_ms = excluded.run_duration_ms,
			row_count = excluded.row_count
	`, st)
	if err != nil {
		return fmt.Errorf("upsert model state %s: %w", st.FullName, err)
	}
	return nil
}

// RunLogEntry is one row of _internal__run_log (spec.md §3).
type RunLogEntry struct {
	ID            string    `db:"id"`
	RunType       string    `db:"run_type"`
	Target        string    `db:"target"`
	Status        string    `db:"status"`
	StartedAt     time.Time `db:"started_at"`
	FinishedAt    time.Time `db:"finished_at"`
	DurationMS    int64     `db:"duration_ms"`
	RowsAffected  int64     `db:"rows_affected"`
	Error         *string   `db:"error"`
	LogOutput     *string   `db:"log_output"`
}

// AppendRunLog inserts a new run_log row, assigning it a fresh id, and
// returns the id. Entries are appended in completion order (spec.md §4.7
// ordering guarantee); no update path exists.
func (s *Store) AppendRunLog(ctx context.Context, db execer, entry RunLogEntry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := namedExec(ctx, db, `
		INSERT INTO _internal__run_log
			(id, run_type, target, status, started_at, finished_at, duration_ms, rows_affected, error, log_output)
		VALUES
			(:id, :run_type, :target, :status, :started_at, :finished_at, :duration_ms, :rows_affected, :error, :log_output)
	`, entry)
	if err != nil {
		return "", fmt.Errorf("append run log for %s: %w", entry.Target, err)
	}
	return entry.ID, nil
}

// RunLogForTarget returns up to limit run_log rows for target, most recent
// first.
func (s *Store) RunLogForTarget(ctx context.Context, target string, limit int) ([]RunLogEntry, error) {
	var entries []RunLogEntry
	err := s.rdb.SelectContext(ctx, &entries,
		`SELECT id, run_type, target, status, started_at, finished_at, duration_ms, rows_affected, error, log_output
		 FROM _internal__run_log WHERE target = ? ORDER BY started_at DESC LIMIT ?`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("run log for %s: %w", target, err)
	}
	return entries, nil
}

// PruneRunLog deletes run_log rows started before cutoff, implementing the
// run log retention policy (SPEC_FULL.md §C). It returns the number of rows
// removed.
func (s *Store) PruneRunLog(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := s.wh.WithWriter(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM _internal__run_log WHERE started_at < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune run log: %w", err)
	}
	return affected, nil
}

// ModelProfile is one row of _internal__model_profiles (spec.md §3). The
// null-rate and distinct-count maps are stored JSON-encoded.
type ModelProfile struct {
	FullName         string    `db:"full_name"`
	RowCount         int64     `db:"row_count"`
	ColumnCount      int       `db:"column_count"`
	NullPercentages  string    `db:"null_percentages"`
	DistinctCounts   string    `db:"distinct_counts"`
	ProfiledAt       time.Time `db:"profiled_at"`
}

// EncodeProfileMaps JSON-encodes the per-column profile maps for storage.
func EncodeProfileMaps(nullPct map[string]float64, distinct map[string]int64) (string, string, error) {
	nullJSON, err := json.Marshal(nullPct)
	if err != nil {
		return "", "", fmt.Errorf("encode null_percentages: %w", err)
	}
	distJSON, err := json.Marshal(distinct)
	if err != nil {
		return "", "", fmt.Errorf("encode distinct_counts: %w", err)
	}
	return string(nullJSON), string(distJSON), nil
}

// UpsertModelProfile is a full-replace write keyed by full_name (spec.md
// §4.5: "Profiles are full-replace writes").
func (s *Store) UpsertModelProfile(ctx context.Context, db execer, p ModelProfile) error {
	_, err := namedExec(ctx, db, `
		INSERT INTO _internal__model_profiles
			(full_name, row_count, column_count, null_percentages, distinct_counts, profiled_at)
		VALUES
			(:full_name, :row_count, :column_count, :null_percentages, :distinct_counts, :profiled_at)
		ON CONFLICT(full_name) DO UPDATE SET
			row_count = excluded.row_count,
			column_count = excluded.column_count,
			null_percentages = excluded.null_percentages,
			distinct_counts = excluded.distinct_counts,
			profiled_at = excluded.profiled_at
	`, p)
	if err != nil {
		return fmt.Errorf("upsert model profile %s: %w", p.FullName, err)
	}
	return nil
}

// GetModelProfile returns the persisted profile for fullName, or nil.
func (s *Store) GetModelProfile(ctx context.Context, fullName string) (*ModelProfile, error) {
	var p ModelProfile
	err := s.rdb.GetContext(ctx, &p,
		`SELECT full_name, row_count, column_count, null_percentages, distinct_counts, profiled_at
		 FROM _internal__model_profiles WHERE full_name = ?`, fullName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model profile %s: %w", fullName, err)
	}
	return &p, nil
}

// AssertionResult is one row of _internal__assertion_results (spec.md §3).
type AssertionResult struct {
	ID         string    `db:"id"`
	ModelPath  string    `db:"model_path"`
	Expression string    `db:"expression"`
	Passed     bool      `db:"passed"`
	Detail     string    `db:"detail"`
	CheckedAt  time.Time `db:"checked_at"`
}

// AppendAssertionResult inserts one assertion evaluation row.
func (s *Store) AppendAssertionResult(ctx context.Context, db execer, r AssertionResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := namedExec(ctx, db, `
		INSERT INTO _internal__assertion_results
			(id, model_path, expression, passed, detail, checked_at)
		VALUES
			(:id, :model_path, :expression, :passed, :detail, :checked_at)
	`, r)
	if err != nil {
		return fmt.Errorf("append assertion result for %s: %w", r.ModelPath, err)
	}
	return nil
}

// AssertionResultsForModel returns every assertion_results row for
// modelPath, most recent first.
func (s *Store) AssertionResultsForModel(ctx context.Context, modelPath string) ([]AssertionResult, error) {
	var results []AssertionResult
	err := s.rdb.SelectContext(ctx, &results,
		`SELECT id, model_path, expression, passed, detail, checked_at
		 FROM _internal__assertion_results WHERE model_path = ? ORDER BY checked_at DESC`, modelPath)
	if err != nil {
		return nil, fmt.Errorf("assertion results for %s: %w", modelPath, err)
	}
	return results, nil
}

// ContractResult is one row of _internal__contract_results (spec.md §3).
type ContractResult struct {
	ID            string    `db:"id"`
	ContractName  string    `db:"contract_name"`
	Model         string    `db:"model"`
	Passed        bool      `db:"passed"`
	Severity      string    `db:"severity"`
	Detail        string    `db:"detail"`
	CheckedAt     time.Time `db:"checked_at"`
}

// AppendContractResult inserts one contract evaluation row.
func (s *Store) AppendContractResult(ctx context.Context, db execer, r ContractResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := namedExec(ctx, db, `
		INSERT INTO _internal__contract_results
			(id, contract_name, model, passed, severity, detail, checked_at)
		VALUES
			(:id, :contract_name, :model, :passed, :severity, :detail, :checked_at)
	`, r)
	if err != nil {
		return fmt.Errorf("append contract result for %s/%s: %w", r.ContractName, r.Model, err)
	}
	return nil
}
