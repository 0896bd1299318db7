// Package orchestrator runs named streams: ordered lists of seed/ingest/
// transform/export steps, each retried on failure with a fixed delay
// between attempts (spec.md §4.7).
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/dataplatform/pkg/engineerr"
	"github.com/r3e-network/dataplatform/pkg/logger"
	"github.com/r3e-network/dataplatform/pkg/metrics"
)

// Action is the closed set of step kinds a stream can run.
type Action string

const (
	ActionSeed      Action = "seed"
	ActionIngest    Action = "ingest"
	ActionTransform Action = "transform"
	ActionExport    Action = "export"
)

// Step is one unit of work within a stream.
type Step struct {
	Action     Action
	Targets    []string // ["all"] runs every known target for this action
	Retries    int
	RetryDelay time.Duration
}

// Stream is an ordered list of steps executed sequentially.
type Stream struct {
	Name  string
	Steps []Step
}

// StepRunner executes one step's targets for a given action. Callers wire
// this to the engine's transform/seed/ingest/export handling; the
// orchestrator itself is action-agnostic.
type StepRunner func(ctx context.Context, step Step) error

// StepOutcome records one step's terminal result within a stream run.
type StepOutcome struct {
	Action   Action
	Targets  []string
	Attempts int
	Status   string // "success" or "failed"
	Err      error
	Duration time.Duration
}

// RunResult is the aggregate outcome of one stream execution.
type RunResult struct {
	Stream   string
	Status   string // "success" or "failed"
	Steps    []StepOutcome
	Duration time.Duration
}

// WebhookNotifier is invoked once a stream run reaches a terminal status,
// rate-limited so a flapping stream cannot flood an external endpoint.
type WebhookNotifier func(ctx context.Context, result RunResult) error

// Orchestrator runs streams against a caller-supplied StepRunner.
type Orchestrator struct {
	run      StepRunner
	log      *logger.Logger
	limiter  *rate.Limiter
	notify   WebhookNotifier
}

// New builds an Orchestrator. webhookRate bounds how often notify may be
// called (events/second); pass 0 to disable throttling (testing only).
func New(run StepRunner, log *logger.Logger, webhookRate float64, notify WebhookNotifier) *Orchestrator {
	var limiter *rate.Limiter
	if webhookRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(webhookRate), 1)
	}
	return &Orchestrator{run: run, log: log, limiter: limiter, notify: notify}
}

// RunStream executes every step of s in order. A step that exhausts its
// retries terminates the stream with aggregate status "failed"; remaining
// steps are skipped (spec.md §4.7).
func (o *Orchestrator) RunStream(ctx context.Context, s Stream) (RunResult, error) {
	start := time.Now()
	result := RunResult{Stream: s.Name, Status: "success"}

	for _, step := range s.Steps {
		if result.Status == "failed" {
			break
		}
		outcome := o.runStepWithRetry(ctx, step)
		result.Steps = append(result.Steps, outcome)
		if outcome.Status == "failed" {
			result.Status = "failed"
		}
	}

	result.Duration = time.Since(start)
	metrics.ObserveStreamRun(s.Name, result.Status)
	o.emitTerminalEvent(ctx, result)

	if result.Status == "failed" {
		return result, engineerr.New(engineerr.CodeExecutionError, fmt.Sprintf("stream %s failed", s.Name))
	}
	return result, nil
}

// runStepWithRetry retries step.Action's targets up to step.Retries times,
// waiting step.RetryDelay between attempts (spec.md §4.7's fixed-interval
// retry, adapted from the shape of infrastructure/resilience.Retry but
// without its exponential backoff — the spec calls for a flat delay).
func (o *Orchestrator) runStepWithRetry(ctx context.Context, step Step) StepOutcome {
	start := time.Now()
	maxAttempts := step.Retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		err := o.run(ctx, step)
		if err == nil {
			return StepOutcome{
				Action: step.Action, Targets: step.Targets, Attempts: attempt,
				Status: "success", Duration: time.Since(start),
			}
		}
		lastErr = err
		if o.log != nil {
			o.log.WithFields(map[string]interface{}{
				"action":  step.Action,
				"attempt": attempt,
				"error":   err,
			}).Warn("step attempt failed")
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = maxAttempts
			case <-time.After(step.RetryDelay):
			}
		}
	}

	return StepOutcome{
		Action: step.Action, Targets: step.Targets, Attempts: maxAttempts,
		Status: "failed", Err: lastErr, Duration: time.Since(start),
	}
}

func (o *Orchestrator) emitTerminalEvent(ctx context.Context, result RunResult) {
	if o.notify == nil {
		return
	}
	if o.limiter != nil && !o.limiter.Allow() {
		if o.log != nil {
			o.log.WithField("stream", result.Stream).Warn("webhook notification dropped by rate limit")
		}
		return
	}
	if err := o.notify(ctx, result); err != nil && o.log != nil {
		o.log.WithField("stream", result.Stream).WithField("error", err).Warn("webhook notification failed")
	}
}
