package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/r3e-network/dataplatform/internal/orchestrator"
	"github.com/r3e-network/dataplatform/pkg/logger"
)

type countingRunner struct {
	mu    sync.Mutex
	count int
	names []string
	delay time.Duration
}

func (r *countingRunner) run(ctx context.Context, s orchestrator.Stream) (orchestrator.RunResult, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	r.count++
	r.names = append(r.names, s.Name)
	r.mu.Unlock()
	return orchestrator.RunResult{Stream: s.Name, Status: "success"}, nil
}

func (r *countingRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func TestSchedulerTickFiresOnlyAtMatchingMinute(t *testing.T) {
	runner := &countingRunner{}
	streams := []ScheduledStream{
		{Stream: orchestrator.Stream{Name: "daily"}, Cron: "0 6 * * *"},
	}
	s := New(streams, runner.run, logger.NewDefault("test"))

	sixAM := mustTime(t, time.RFC3339, "2026-08-01T06:00:00Z")
	s.Tick(context.Background(), sixAM)
	if runner.calls() != 1 {
		t.Fatalf("expected exactly one invocation at 06:00, got %d", runner.calls())
	}

	sixOhOne := sixAM.Add(time.Minute)
	s.Tick(context.Background(), sixOhOne)
	if runner.calls() != 1 {
		t.Fatalf("expected no invocation at 06:01, got %d", runner.calls())
	}
}

func TestSchedulerTickSkipsStreamsWithoutCron(t *testing.T) {
	runner := &countingRunner{}
	streams := []ScheduledStream{
		{Stream: orchestrator.Stream{Name: "manual-only"}},
	}
	s := New(streams, runner.run, logger.NewDefault("test"))

	s.Tick(context.Background(), time.Now())
	if runner.calls() != 0 {
		t.Fatalf("expected no invocation for an uncronned stream, got %d", runner.calls())
	}
}

func TestSchedulerTickInvalidCronIsNonFatal(t *testing.T) {
	runner := &countingRunner{}
	streams := []ScheduledStream{
		{Stream: orchestrator.Stream{Name: "broken"}, Cron: "not a cron"},
		{Stream: orchestrator.Stream{Name: "fine"}, Cron: "* * * * *"},
	}
	s := New(streams, runner.run, logger.NewDefault("test"))

	s.Tick(context.Background(), time.Now())
	if runner.calls() != 1 {
		t.Fatalf("expected the valid stream to still run, got %d calls", runner.calls())
	}
}

func TestSchedulerManualRunTakesPrecedenceOverConflictingTick(t *testing.T) {
	runner := &countingRunner{delay: 50 * time.Millisecond}
	streams := []ScheduledStream{
		{Stream: orchestrator.Stream{Name: "busy"}, Cron: "* * * * *"},
	}
	s := New(streams, runner.run, logger.NewDefault("test"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Tick(context.Background(), time.Now())
	}()
	time.Sleep(10 * time.Millisecond) // let the tick acquire execMu first

	if _, err := s.RunManual(context.Background(), "busy"); err != nil {
		t.Fatalf("unexpected error from manual run: %v", err)
	}
	wg.Wait()

	if runner.calls() != 2 {
		t.Fatalf("expected both the tick's run and the blocked manual run to execute, got %d", runner.calls())
	}
}

func TestSchedulerConflictingTickIsSkippedNotQueued(t *testing.T) {
	runner := &countingRunner{delay: 100 * time.Millisecond}
	streams := []ScheduledStream{
		{Stream: orchestrator.Stream{Name: "a"}, Cron: "* * * * *"},
		{Stream: orchestrator.Stream{Name: "b"}, Cron: "* * * * *"},
	}
	s := New(streams, runner.run, logger.NewDefault("test"))

	// Hold execMu artificially to simulate an in-flight run, then tick: the
	// streams in that tick must be skipped, not blocked.
	s.execMu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Tick(context.Background(), time.Now())
	}()
	time.Sleep(20 * time.Millisecond)
	s.execMu.Unlock()
	<-done

	if runner.calls() != 0 {
		t.Fatalf("expected both streams to be skipped while execMu was held, got %d", runner.calls())
	}
}

func TestSchedulerRunManualUnknownStream(t *testing.T) {
	runner := &countingRunner{}
	s := New(nil, runner.run, logger.NewDefault("test"))

	if _, err := s.RunManual(context.Background(), "does-not-exist"); err == nil {
		t.Fatalf("expected an error for an unregistered stream name")
	}
}

func TestSchedulerSetStreamsReplacesSchedule(t *testing.T) {
	runner := &countingRunner{}
	s := New([]ScheduledStream{{Stream: orchestrator.Stream{Name: "old"}, Cron: "* * * * *"}}, runner.run, logger.NewDefault("test"))

	s.SetStreams([]ScheduledStream{{Stream: orchestrator.Stream{Name: "new"}, Cron: "* * * * *"}})
	s.Tick(context.Background(), time.Now())

	if runner.calls() != 1 || runner.names[0] != "new" {
		t.Fatalf("expected only the replaced stream to run, got %#v", runner.names)
	}
}
