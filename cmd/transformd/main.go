// Command transformd wires a warehouse, its metadata store, and the
// transform engine together and drives exactly one Run. It is not a CLI:
// command dispatch, scheduling, and orchestration are the job of an
// external collaborator that imports internal/engine, internal/scheduler,
// and internal/orchestrator directly. This binary exists only to show that
// wiring end to end (spec.md §1 non-goal: "a CLI tool").
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/r3e-network/dataplatform/internal/engine"
	"github.com/r3e-network/dataplatform/internal/metadata"
	"github.com/r3e-network/dataplatform/internal/warehouse"
	"github.com/r3e-network/dataplatform/pkg/config"
	"github.com/r3e-network/dataplatform/pkg/logger"
)

func main() {
	selectFlag := flag.String("select", "", "comma-separated model selectors (schema.name or schema.*); empty runs every model")
	excludeDownstream := flag.Bool("exclude-downstream", false, "restrict a non-empty -select to its upstream closure only")
	force := flag.Bool("force", false, "materialize every selected model regardless of change detection")
	dryRun := flag.Bool("plan", false, "classify build/skip for every selected model without executing any DDL")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		lg.Warn("signal received, cancelling the in-flight run")
		cancel()
	}()
	defer cancel()

	wh, err := warehouse.Open(ctx, cfg.Warehouse.Path, cfg.Warehouse.BusyTimeoutMS, cfg.Warehouse.MaxOpenConns, cfg.Warehouse.MaxIdleConns)
	if err != nil {
		log.Fatalf("open warehouse: %v", err)
	}
	defer wh.Close()

	store, err := metadata.Open(ctx, wh)
	if err != nil {
		log.Fatalf("open metadata store: %v", err)
	}

	eng := engine.New(wh, store, cfg.Transform.TransformDir, cfg.Transform.ContractsDir, cfg.Transform.DefaultMaxWorkers, lg)

	opts := engine.RunOptions{
		Select:            splitSelectors(*selectFlag),
		ExcludeDownstream: *excludeDownstream,
		Force:             *force,
	}

	start := time.Now()
	if *dryRun {
		entries, err := eng.Plan(ctx, opts)
		if err != nil {
			lg.WithField("error", err).Fatal("plan failed")
		}
		for _, e := range entries {
			lg.WithFields(map[string]interface{}{
				"model":  e.FullName,
				"action": e.Action,
				"reason": e.Reason,
			}).Info("plan entry")
		}
		return
	}

	report, err := eng.Run(ctx, opts)
	lg.WithFields(map[string]interface{}{
		"status":   report.Status,
		"models":   len(report.Models),
		"duration": time.Since(start).String(),
	}).Info("run finished")

	for full, out := range report.Models {
		fields := map[string]interface{}{
			"model":  full,
			"status": out.Status,
			"rows":   out.RowCount,
		}
		if out.Err != nil {
			fields["error"] = out.Err.Error()
		}
		lg.WithFields(fields).Info("model outcome")
	}

	if err != nil {
		lg.WithField("error", err).Fatal("run completed with failures")
	}
}

func splitSelectors(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
