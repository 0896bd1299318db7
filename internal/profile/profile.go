// Package profile computes per-column null rates and distinct counts for a
// materialized model and derives freshness against the persisted run
// timestamp (spec.md §4.5).
package profile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/dataplatform/internal/metadata"
	"github.com/r3e-network/dataplatform/internal/warehouse"
)

// maxDistinctSampleRows caps the number of rows considered for
// COUNT(DISTINCT col) to bound cost on very large tables (spec.md §4.5).
const maxDistinctSampleRows = 1_000_000

// ColumnProfile is the computed per-column summary for one column.
type ColumnProfile struct {
	Column         string
	NullPercentage float64
	DistinctCount  int64
}

// Profile is the full profiling result for one model, ready to persist.
type Profile struct {
	FullName    string
	RowCount    int64
	ColumnCount int
	Columns     []ColumnProfile
	ProfiledAt  time.Time
}

// Compute profiles the materialized table backing fullName. Callers should
// only invoke this after a successful table/incremental materialization
// (spec.md §4.5: views are never profiled, they carry no storage).
func Compute(ctx context.Context, db *sql.DB, is warehouse.InformationSchema, fullName string) (*Profile, error) {
	table := warehouse.QualifiedFullName(fullName)

	cols, err := is.Columns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("profile %s: read columns: %w", fullName, err)
	}

	var rowCount int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %q`, table)).Scan(&rowCount); err != nil {
		return nil, fmt.Errorf("profile %s: count rows: %w", fullName, err)
	}

	denom := rowCount
	if denom == 0 {
		denom = 1
	}

	profiled := make([]ColumnProfile, 0, len(cols))
	for _, c := range cols {
		var nullCount int64
		nullStmt := fmt.Sprintf(`SELECT count(*) FROM %q WHERE %q IS NULL`, table, c.Name)
		if err := db.QueryRowContext(ctx, nullStmt).Scan(&nullCount); err != nil {
			return nil, fmt.Errorf("profile %s: null count for %s: %w", fullName, c.Name, err)
		}

		var distinctCount int64
		distinctStmt := fmt.Sprintf(
			`SELECT COUNT(DISTINCT %q) FROM (SELECT %q FROM %q LIMIT %d)`,
			c.Name, c.Name, table, maxDistinctSampleRows)
		if err := db.QueryRowContext(ctx, distinctStmt).Scan(&distinctCount); err != nil {
			return nil, fmt.Errorf("profile %s: distinct count for %s: %w", fullName, c.Name, err)
		}

		profiled = append(profiled, ColumnProfile{
			Column:         c.Name,
			NullPercentage: 100 * float64(nullCount) / float64(denom),
			DistinctCount:  distinctCount,
		})
	}

	return &Profile{
		FullName:    fullName,
		RowCount:    rowCount,
		ColumnCount: len(cols),
		Columns:     profiled,
		ProfiledAt:  time.Now().UTC(),
	}, nil
}

// ToModelProfile encodes p into the metadata.Store's persisted row shape
// (full-replace write keyed by full_name, spec.md §4.5).
func (p *Profile) ToModelProfile() (metadata.ModelProfile, error) {
	nullPct := make(map[string]float64, len(p.Columns))
	distinct := make(map[string]int64, len(p.Columns))
	for _, c := range p.Columns {
		nullPct[c.Column] = c.NullPercentage
		distinct[c.Column] = c.DistinctCount
	}

	nullJSON, distJSON, err := metadata.EncodeProfileMaps(nullPct, distinct)
	if err != nil {
		return metadata.ModelProfile{}, err
	}
	return metadata.ModelProfile{
		FullName:        p.FullName,
		RowCount:        p.RowCount,
		ColumnCount:     p.ColumnCount,
		NullPercentages: nullJSON,
		DistinctCounts:  distJSON,
		ProfiledAt:      p.ProfiledAt,
	}, nil
}

// Freshness is the per-model staleness view the API exposes (spec.md §4.5).
type Freshness struct {
	FullName       string
	HoursSinceRun  float64
	IsStale        bool
}

// ComputeFreshness derives staleness for a model against its last
// successful run, per the configured max_age_hours threshold.
func ComputeFreshness(fullName string, lastRunAt time.Time, now time.Time, maxAgeHours float64) Freshness {
	hours := now.Sub(lastRunAt).Hours()
	return Freshness{
		FullName:      fullName,
		HoursSinceRun: hours,
		IsStale:       hours > maxAgeHours,
	}
}

// NullPercentageFromJSON extracts one column's persisted null percentage
// out of a model_profiles.null_percentages JSON blob without a full decode,
// for ad-hoc inspection tooling (e.g. a freshness/profile API endpoint)
// that only needs one field.
func NullPercentageFromJSON(nullPercentagesJSON, column string) (float64, bool) {
	result := gjson.Get(nullPercentagesJSON, gjson.Escape(column))
	if !result.Exists() {
		return 0, false
	}
	return result.Float(), true
}

// DistinctCountFromJSON extracts one column's persisted distinct count out
// of a model_profiles.distinct_counts JSON blob without a full decode.
func DistinctCountFromJSON(distinctCountsJSON, column string) (int64, bool) {
	result := gjson.Get(distinctCountsJSON, gjson.Escape(column))
	if !result.Exists() {
		return 0, false
	}
	return result.Int(), true
}
