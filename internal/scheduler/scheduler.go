// Package scheduler runs a single process-wide ticker that fires once per
// minute, evaluates each scheduled stream's cron expression against the
// current minute, and hands matches off to the orchestrator (spec.md §4.8).
// Execution is serialized through execMu: at most one stream runs at a
// time. Manual invocations block for the lock (so they always eventually
// run); a tick that cannot acquire it immediately skips that stream for the
// current minute rather than queuing — the next tick re-evaluates the cron
// expression from scratch, so the deferred run fires at the stream's next
// matching minute.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/dataplatform/internal/orchestrator"
	"github.com/r3e-network/dataplatform/pkg/logger"
	"github.com/r3e-network/dataplatform/pkg/metrics"
)

// ScheduledStream pairs an orchestrator stream with its cron expression.
// Cron may be empty, in which case the stream is registered (so RunManual
// can find it by name) but never fires on a tick.
type ScheduledStream struct {
	Stream orchestrator.Stream
	Cron   string
}

// RunFunc executes a stream to completion. Callers wire this to
// (*orchestrator.Orchestrator).RunStream.
type RunFunc func(ctx context.Context, s orchestrator.Stream) (orchestrator.RunResult, error)

// Scheduler owns the per-minute ticker and the streams it watches.
type Scheduler struct {
	run RunFunc
	log *logger.Logger

	streamsMu sync.RWMutex
	streams   []ScheduledStream

	// execMu serializes stream execution: the scheduler never runs two
	// streams concurrently, scheduled or manual.
	execMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	now func() time.Time
}

// New builds a Scheduler. Pass the streams known at startup; use
// SetStreams to replace them after a reload.
func New(streams []ScheduledStream, run RunFunc, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		streams: append([]ScheduledStream(nil), streams...),
		run:     run,
		log:     log,
		now:     time.Now,
	}
}

// SetStreams replaces the set of scheduled streams, e.g. after a project
// reload. Safe to call while the scheduler is running.
func (s *Scheduler) SetStreams(streams []ScheduledStream) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	s.streams = append([]ScheduledStream(nil), streams...)
}

// Start begins the per-minute ticker, aligned to local-time minute
// boundaries. Idempotent: calling Start while already running is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		now := s.now()
		delay := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		alignTimer := time.NewTimer(delay)
		defer alignTimer.Stop()

		select {
		case <-runCtx.Done():
			return
		case <-alignTimer.C:
			s.tick(runCtx, s.now())
		}

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case t := <-ticker.C:
				s.tick(runCtx, t)
			}
		}
	}()

	s.log.Info("scheduler started")
	return nil
}

// Stop halts the ticker and waits for any in-flight tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("scheduler stopped")
	return nil
}

// RunManual executes the named stream immediately, taking precedence over
// any scheduled tick: it blocks for the execution lock rather than
// deferring, so it always runs once the current stream (if any) completes.
func (s *Scheduler) RunManual(ctx context.Context, name string) (orchestrator.RunResult, error) {
	stream, ok := s.find(name)
	if !ok {
		return orchestrator.RunResult{}, fmt.Errorf("scheduler: unknown stream %q", name)
	}

	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.run(ctx, stream)
}

// Tick evaluates every scheduled stream's cron expression against at and
// runs the matches. Exported so tests can drive the scheduler one minute at
// a time without waiting on a real ticker.
func (s *Scheduler) Tick(ctx context.Context, at time.Time) {
	s.tick(ctx, at)
}

func (s *Scheduler) tick(ctx context.Context, at time.Time) {
	s.streamsMu.RLock()
	streams := append([]ScheduledStream(nil), s.streams...)
	s.streamsMu.RUnlock()

	dispatched := false
	for _, sc := range streams {
		if sc.Cron == "" {
			continue
		}
		match, err := Matches(sc.Cron, at)
		if err != nil {
			s.log.WithFields(map[string]interface{}{
				"stream": sc.Stream.Name,
				"cron":   sc.Cron,
				"error":  err,
			}).Warn("invalid cron expression, skipping")
			continue
		}
		if !match {
			continue
		}
		dispatched = true
		s.runTicked(ctx, sc.Stream)
	}
	metrics.ObserveSchedulerTick(dispatched)
}

func (s *Scheduler) runTicked(ctx context.Context, stream orchestrator.Stream) {
	if !s.execMu.TryLock() {
		s.log.WithField("stream", stream.Name).
			Warn("tick deferred: another stream is running, will retry at the next matching minute")
		return
	}
	defer s.execMu.Unlock()

	if _, err := s.run(ctx, stream); err != nil {
		s.log.WithFields(map[string]interface{}{
			"stream": stream.Name,
			"error":  err,
		}).Warn("scheduled stream run failed")
	}
}

func (s *Scheduler) find(name string) (orchestrator.Stream, bool) {
	s.streamsMu.RLock()
	defer s.streamsMu.RUnlock()
	for _, sc := range s.streams {
		if sc.Stream.Name == name {
			return sc.Stream, true
		}
	}
	return orchestrator.Stream{}, false
}
