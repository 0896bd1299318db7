// Package engine ties discovery, DAG planning, materialization, profiling,
// assertions, and contracts together into the two top-level operations
// external collaborators drive: Run (execute) and Plan (dry-run), per
// spec.md's data-flow (§2) and SPEC_FULL.md §C's dry-run/selective-run
// supplement.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/dataplatform/internal/dag"
	"github.com/r3e-network/dataplatform/internal/discover"
	"github.com/r3e-network/dataplatform/internal/lineage"
	"github.com/r3e-network/dataplatform/internal/materialize"
	"github.com/r3e-network/dataplatform/internal/metadata"
	"github.com/r3e-network/dataplatform/internal/model"
	"github.com/r3e-network/dataplatform/internal/profile"
	"github.com/r3e-network/dataplatform/internal/quality"
	"github.com/r3e-network/dataplatform/internal/warehouse"
	"github.com/r3e-network/dataplatform/pkg/engineerr"
	"github.com/r3e-network/dataplatform/pkg/logger"
	"github.com/r3e-network/dataplatform/pkg/metrics"
)

// Status is the terminal state of one model's attempted materialization
// within a run. The first four values are exactly spec.md §6's
// `{built, skipped, error, assertion_failed}`; the remaining two are
// engine-internal refinements spec.md §5 also names (`cancelled`) or
// implies (a tier that never starts because an earlier tier failed).
type Status string

const (
	StatusBuilt                Status = "built"
	StatusSkipped              Status = "skipped"
	StatusError                Status = "error"
	StatusAssertionFailed      Status = "assertion_failed"
	StatusCancelled            Status = "cancelled"
	StatusSkippedUpstreamError Status = "skipped_upstream_failure"
)

// ModelOutcome is one model's result within a RunReport.
type ModelOutcome struct {
	FullName       string
	Status         Status
	MaterializedAs model.Materialization
	RowCount       int64
	Duration       time.Duration
	Err            error
	Assertions     []quality.Result
}

// RunOptions parameterizes a Run or Plan invocation.
type RunOptions struct {
	// Select restricts execution to models matching any of these selectors
	// ("schema.name" or "schema.*"), plus their upstream closure and,
	// unless ExcludeDownstream is set, their downstream closure. Empty
	// means "every discovered model" (SPEC_FULL.md §C "selective run").
	Select            []string
	ExcludeDownstream bool
	// Force materializes every selected model regardless of change
	// detection (spec.md §3 lifecycle rule).
	Force bool
	// MaxWorkers bounds tier-internal parallelism; 0 uses the engine's
	// configured default, which itself falls back to runtime.NumCPU()
	// (spec.md §5: "default = logical CPU count, clipped to the tier size").
	MaxWorkers int
}

// RunReport is the aggregate outcome of one Run call.
type RunReport struct {
	Status      string // "success", "failed", or "cancelled"
	StartedAt   time.Time
	FinishedAt  time.Time
	Duration    time.Duration
	Models      map[string]ModelOutcome
	Contracts   []quality.ContractOutcome
	Discoverers []discover.Warning
}

// PlanEntry is one model's classification under Plan.
type PlanEntry struct {
	FullName string
	Action   string // "build" or "skip"
	Reason   string
}

// Engine is the top-level orchestration point for one warehouse. It holds
// no per-run state: the DAG, model map, and tier list are rebuilt fresh on
// every Run/Plan call (spec.md §5: "never shared across runs").
type Engine struct {
	wh    *warehouse.Warehouse
	store *metadata.Store
	mz    *materialize.Materializer
	is    warehouse.InformationSchema
	log   *logger.Logger

	transformRoot     string
	contractsDir      string
	defaultMaxWorkers int
}

// New builds an Engine bound to wh and its metadata store. log may be nil,
// in which case a discarding default is used.
func New(wh *warehouse.Warehouse, store *metadata.Store, transformRoot, contractsDir string, defaultMaxWorkers int, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("engine")
	}
	return &Engine{
		wh:                wh,
		store:             store,
		mz:                materialize.New(wh),
		is:                warehouse.NewInformationSchema(wh.DB()),
		log:               log,
		transformRoot:     transformRoot,
		contractsDir:      contractsDir,
		defaultMaxWorkers: defaultMaxWorkers,
	}
}

// prepared bundles the outcome of discovery, DAG construction, and
// compile-time validation shared by Run and Plan.
type prepared struct {
	models   map[string]*model.Model
	graph    *dag.Graph
	hashes   map[string]string
	warnings []discover.Warning
}

func (e *Engine) prepare(ctx context.Context) (*prepared, error) {
	res, err := discover.Discover(e.transformRoot)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CodeParseError, "discovery walk failed", err)
	}
	if res.Errors != nil {
		errs := res.Errors.WrappedErrors()
		first := errs[0]
		ee := engineerr.Wrap(engineerr.CodeParseError, "model discovery failed", first).
			WithDetail("failure_count", len(errs))
		return nil, ee
	}
	for _, w := range res.Warnings {
		e.log.WithField("file", w.File).Warn(w.Msg)
	}

	g, err := dag.Build(res.Models)
	if err != nil {
		var cycleErr *dag.CycleError
		if errors.As(err, &cycleErr) {
			return nil, engineerr.Cycle(cycleErr.Path)
		}
		return nil, engineerr.Wrap(engineerr.CodeValidationError, "build dependency graph", err)
	}

	if verrs := lineage.Validate(ctx, e.wh.DB(), g); len(verrs) > 0 {
		first := verrs[0]
		first.WithDetail("additional_failures", len(verrs)-1)
		return nil, first
	}

	return &prepared{
		models:   res.Models,
		graph:    g,
		hashes:   g.ComputeUpstreamHashes(),
		warnings: res.Warnings,
	}, nil
}

// Plan runs discovery, DAG construction, and change-detection
// classification without executing any DDL (SPEC_FULL.md §C "dry-run /
// plan mode").
func (e *Engine) Plan(ctx context.Context, opts RunOptions) ([]PlanEntry, error) {
	p, err := e.prepare(ctx)
	if err != nil {
		return nil, err
	}

	selected := resolveSelection(p.graph, opts.Select, opts.ExcludeDownstream)
	entries := make([]PlanEntry, 0, len(selected))
	for _, full := range selected {
		m := p.models[full]
		rebuild, reason, err := e.shouldRebuild(ctx, m, p.hashes[full], opts.Force)
		if err != nil {
			return nil, err
		}
		action := "skip"
		if rebuild {
			action = "build"
		}
		entries = append(entries, PlanEntry{FullName: full, Action: action, Reason: reason})
	}
	return entries, nil
}

// shouldRebuild applies spec.md §3's change-detection rule.
func (e *Engine) shouldRebuild(ctx context.Context, m *model.Model, upstreamHash string, force bool) (bool, string, error) {
	if force {
		return true, "force", nil
	}
	state, err := e.store.GetModelState(ctx, m.FullName())
	if err != nil {
		return false, "", engineerr.Wrap(engineerr.CodeExecutionError, "read model state", err).WithDetail("model", m.FullName())
	}
	if state == nil {
		return true, "no prior state", nil
	}
	if state.ContentHash != m.ContentHash {
		return true, "content_hash changed", nil
	}
	if state.UpstreamHash != upstreamHash {
		return true, "upstream_hash changed", nil
	}
	return false, "unchanged", nil
}

// Run executes the selected model set tier by tier with bounded
// intra-tier parallelism, then evaluates standalone contracts, per
// spec.md §4.2-§4.5 and §5.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (RunReport, error) {
	started := time.Now()
	report := RunReport{StartedAt: started, Status: "success", Models: make(map[string]ModelOutcome)}

	if ctx.Err() != nil {
		report.Status = "cancelled"
		report.FinishedAt = time.Now()
		report.Duration = report.FinishedAt.Sub(started)
		return report, engineerr.Cancelled("run")
	}

	p, err := e.prepare(ctx)
	if err != nil {
		report.Status = "failed"
		report.FinishedAt = time.Now()
		report.Duration = report.FinishedAt.Sub(started)
		return report, err
	}
	report.Discoverers = p.warnings

	selected := resolveSelection(p.graph, opts.Select, opts.ExcludeDownstream)
	tiers := filterTiers(p.graph, selected)

	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = e.defaultMaxWorkers
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	aborted := false
	for tierIdx, tier := range tiers {
		if aborted || ctx.Err() != nil {
			for _, full := range tier {
				report.Models[full] = ModelOutcome{FullName: full, Status: StatusSkippedUpstreamError}
			}
			continue
		}

		tierStart := time.Now()
		outcomes := e.runTier(ctx, tier, p, opts, workers)
		metrics.ObserveTier(tierIdx, time.Since(tierStart).Seconds())

		for full, out := range outcomes {
			report.Models[full] = out
			if out.Status == StatusError || out.Status == StatusAssertionFailed {
				aborted = true
			}
		}
	}

	if ctx.Err() != nil {
		report.Status = "cancelled"
	} else if aborted {
		report.Status = "failed"
	}

	contracts, contractsFailed := e.runContracts(ctx)
	report.Contracts = contracts
	if contractsFailed && report.Status == "success" {
		report.Status = "failed"
	}

	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(started)

	if report.Status == "failed" {
		return report, engineerr.New(engineerr.CodeExecutionError, "run completed with failures")
	}
	return report, nil
}

// runTier executes every model in tier with up to workers concurrent
// goroutines, via a buffered-channel semaphore and a WaitGroup barrier
// (infrastructure/chain's event-handler dispatch shape: acquire a slot,
// spawn, release on completion; the tier is the barrier — every model
// completes strictly before the next tier is considered, per spec.md §5's
// ordering guarantee).
func (e *Engine) runTier(ctx context.Context, tier []string, p *prepared, opts RunOptions, workers int) map[string]ModelOutcome {
	if workers > len(tier) {
		workers = len(tier)
	}
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	results := make(chan ModelOutcome, len(tier))
	var wg sync.WaitGroup

	for _, full := range tier {
		full := full
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results <- ModelOutcome{FullName: full, Status: StatusCancelled, Err: engineerr.Cancelled(full)}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results <- e.runModel(ctx, p.models[full], p.hashes[full], p, opts)
		}()
	}

	wg.Wait()
	close(results)

	out := make(map[string]ModelOutcome, len(tier))
	for r := range results {
		out[r.FullName] = r
	}
	return out
}

// runModel materializes a single model (if change detection calls for it),
// evaluates its inline assertions, profiles it, and persists model_state,
// model_profiles, and assertion_results atomically relative to each other
// immediately after the materializer's own DDL transaction commits.
func (e *Engine) runModel(ctx context.Context, m *model.Model, upstreamHash string, p *prepared, opts RunOptions) ModelOutcome {
	fullName := m.FullName()
	start := time.Now()

	if ctx.Err() != nil {
		return e.finish(ModelOutcome{FullName: fullName, Status: StatusCancelled, Err: engineerr.Cancelled(fullName)}, start)
	}

	rebuild, _, err := e.shouldRebuild(ctx, m, upstreamHash, opts.Force)
	if err != nil {
		return e.finish(ModelOutcome{FullName: fullName, Status: StatusError, Err: err}, start)
	}
	if !rebuild {
		out := e.finish(ModelOutcome{FullName: fullName, Status: StatusSkipped, MaterializedAs: m.Materialized}, start)
		e.appendRunLog(ctx, fullName, out)
		metrics.ObserveModelRun(fullName, "skipped", string(m.Materialized), out.Duration.Seconds())
		return out
	}

	// Model queries are always written against logical full_names
	// ("schema.name"); the warehouse has no such schema, so every
	// schema.name reference (in-project model or external source) is
	// rewritten to its physical identifier before execution,
	// the same rewrite lineage.Validate already compile-checked.
	physical := *m
	physical.Query = lineage.RewriteQuery(m.Query)
	mzOutcome, err := e.mz.Materialize(ctx, &physical)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			out := e.finish(ModelOutcome{FullName: fullName, Status: StatusCancelled, Err: engineerr.Cancelled(fullName)}, start)
			e.appendRunLog(ctx, fullName, out)
			return out
		}
		out := e.finish(ModelOutcome{FullName: fullName, Status: StatusError, Err: err, MaterializedAs: m.Materialized}, start)
		e.appendRunLog(ctx, fullName, out)
		metrics.ObserveModelRun(fullName, "error", string(m.Materialized), out.Duration.Seconds())
		return out
	}

	assertions := quality.EvaluateAll(ctx, e.wh.DB(), m)
	allPassed := true
	for _, r := range assertions {
		metrics.ObserveAssertion(fullName, r.Passed)
		if !r.Passed {
			allPassed = false
		}
	}

	var prof *profile.Profile
	if m.Materialized != model.MaterializedView {
		prof, err = profile.Compute(ctx, e.wh.DB(), e.is, fullName)
		if err != nil {
			e.log.WithField("model", fullName).WithField("error", err).Warn("profiling failed, continuing")
			prof = nil
		}
	}

	if err := e.persistRunResults(ctx, m, upstreamHash, mzOutcome, assertions, prof); err != nil {
		out := e.finish(ModelOutcome{FullName: fullName, Status: StatusError, Err: err, MaterializedAs: m.Materialized, RowCount: mzOutcome.RowCount}, start)
		e.appendRunLog(ctx, fullName, out)
		return out
	}

	status := StatusBuilt
	var outErr error
	if !allPassed {
		status = StatusAssertionFailed
		for _, r := range assertions {
			if !r.Passed {
				outErr = engineerr.AssertionFailed(fullName, r.Expression, r.Detail)
				break
			}
		}
	}

	out := e.finish(ModelOutcome{
		FullName:       fullName,
		Status:         status,
		MaterializedAs: m.Materialized,
		RowCount:       mzOutcome.RowCount,
		Err:            outErr,
		Assertions:     assertions,
	}, start)
	e.appendRunLog(ctx, fullName, out)
	outcomeLabel := "built"
	if status == StatusAssertionFailed {
		outcomeLabel = "assertion_failed"
	}
	metrics.ObserveModelRun(fullName, outcomeLabel, string(m.Materialized), out.Duration.Seconds())
	return out
}

func (e *Engine) finish(out ModelOutcome, start time.Time) ModelOutcome {
	out.Duration = time.Since(start)
	return out
}

// persistRunResults writes model_state, model_profiles, and
// assertion_results in one follow-up transaction. Model state is recorded
// regardless of assertion outcome: spec.md §3 ties model_state to
// successful materialization, not to the separate assertion gate that
// blocks downstream tiers.
func (e *Engine) persistRunResults(ctx context.Context, m *model.Model, upstreamHash string, mzOutcome materialize.Outcome, assertions []quality.Result, prof *profile.Profile) error {
	fullName := m.FullName()
	return e.wh.WithWriterTx(ctx, func(tx *sql.Tx) error {
		state := metadata.ModelState{
			FullName:       fullName,
			ContentHash:    m.ContentHash,
			UpstreamHash:   upstreamHash,
			MaterializedAs: string(m.Materialized),
			LastRunAt:      time.Now().UTC(),
			RunDurationMS:  mzOutcome.Duration.Milliseconds(),
			RowCount:       mzOutcome.RowCount,
		}
		if err := e.store.UpsertModelState(ctx, tx, state); err != nil {
			return err
		}

		if prof != nil {
			mp, err := prof.ToModelProfile()
			if err != nil {
				return fmt.Errorf("encode profile for %s: %w", fullName, err)
			}
			if err := e.store.UpsertModelProfile(ctx, tx, mp); err != nil {
				return err
			}
		}

		for _, r := range assertions {
			if err := e.store.AppendAssertionResult(ctx, tx, metadata.AssertionResult{
				ModelPath:  m.Path,
				Expression: r.Expression,
				Passed:     r.Passed,
				Detail:     r.Detail,
				CheckedAt:  time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// appendRunLog records one run_log row for a model's outcome. Logging
// failures are themselves non-fatal to the run.
func (e *Engine) appendRunLog(ctx context.Context, fullName string, out ModelOutcome) {
	var errStr *string
	if out.Err != nil {
		s := out.Err.Error()
		errStr = &s
	}
	now := time.Now().UTC()
	entry := metadata.RunLogEntry{
		RunType:      "transform",
		Target:       fullName,
		Status:       string(out.Status),
		StartedAt:    now.Add(-out.Duration),
		FinishedAt:   now,
		DurationMS:   out.Duration.Milliseconds(),
		RowsAffected: out.RowCount,
		Error:        errStr,
	}
	if err := e.wh.WithWriter(func(db *sql.DB) error {
		_, err := e.store.AppendRunLog(ctx, db, entry)
		return err
	}); err != nil {
		e.log.WithField("model", fullName).WithField("error", err).Warn("append run log failed")
	}
}

// runContracts evaluates every discovered standalone contract against the
// current warehouse state and reports whether any error-severity contract
// failed (spec.md §4.4: only error severity blocks downstream work; here
// contracts run after all tiers, so "blocks" marks the overall run failed
// rather than halting in-flight tier execution). Alerting on a blocking
// contract is left to whatever external collaborator owns alert_log
// (spec.md §3) — this method only ever reports through outcomes and the
// run's failed flag, which end up on RunReport.Contracts.
func (e *Engine) runContracts(ctx context.Context) ([]quality.ContractOutcome, bool) {
	contracts, err := quality.DiscoverContracts(e.contractsDir)
	if err != nil {
		e.log.WithField("error", err).Warn("discover contracts failed")
		return nil, false
	}

	failed := false
	outcomes := make([]quality.ContractOutcome, 0, len(contracts))
	for _, c := range contracts {
		outcome := quality.Run(ctx, e.wh.DB(), c)
		outcomes = append(outcomes, outcome)
		metrics.ObserveContract(c.Name, string(c.Severity), outcome.Passed)

		detail := summarizeContractResults(outcome.Results)
		if err := e.wh.WithWriter(func(db *sql.DB) error {
			return e.store.AppendContractResult(ctx, db, metadata.ContractResult{
				ContractName: c.Name,
				Model:        c.Model,
				Passed:       outcome.Passed,
				Severity:     string(c.Severity),
				Detail:       detail,
				CheckedAt:    time.Now().UTC(),
			})
		}); err != nil {
			e.log.WithField("contract", c.Name).WithField("error", err).Warn("persist contract result failed")
		}

		if outcome.Blocks() {
			failed = true
		}
	}
	return outcomes, failed
}

func summarizeContractResults(results []quality.Result) string {
	var failing []string
	for _, r := range results {
		if !r.Passed {
			failing = append(failing, fmt.Sprintf("%s (%s)", r.Expression, r.Detail))
		}
	}
	if len(failing) == 0 {
		return "all assertions passed"
	}
	sort.Strings(failing)
	return "failed: " + fmt.Sprintf("%v", failing)
}
