package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"slotwatch/internal/config"
	"slotwatch/internal/workflow"
	"slotwatch/pkg/logx"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   map[int]int
	results map[int]workflow.Result
	block   chan struct{} // when non-nil, Check waits on it
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: map[int]int{}, results: map[int]workflow.Result{}}
}

func (f *fakeRunner) Check(ctx context.Context, item config.TrackedItem) (workflow.Result, error) {
	f.mu.Lock()
	f.calls[item.CourseNumber]++
	res := f.results[item.CourseNumber]
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return workflow.Result{}, ctx.Err()
		}
	}
	return res, nil
}

func (f *fakeRunner) count(course int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[course]
}

func testScheduler(t *testing.T, runner CheckRunner) *Scheduler {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return New(Config{SafetyNetInterval: time.Hour}, loc, runner, nil, nil, logx.Nop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

var (
	itemA = config.TrackedItem{Name: "Badminton", URL: "u", CourseNumber: 1}
	itemB = config.TrackedItem{Name: "Klettern", URL: "u", CourseNumber: 2}
)

func TestImmediatePassChecksEveryItem(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	s := testScheduler(t, runner)
	s.Register(itemA)
	s.Register(itemB)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, func() bool { return runner.count(1) == 1 && runner.count(2) == 1 })
}

func TestArmCheckDeduplicates(t *testing.T) {
	t.Parallel()
	s := testScheduler(t, newFakeRunner())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	at := time.Now().Add(time.Hour)
	s.armCheck(itemA, at)
	s.armCheck(itemA, at)

	s.tmu.Lock()
	timers := len(s.timers)
	s.tmu.Unlock()
	if timers != 1 {
		t.Fatalf("%d timers armed for one (item, instant) pair, want 1", timers)
	}
}

func TestArmCheckKeysIncludeItem(t *testing.T) {
	t.Parallel()
	s := testScheduler(t, newFakeRunner())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	// Two different courses hitting the same instant must not merge.
	at := time.Now().Add(time.Hour)
	s.armCheck(itemA, at)
	s.armCheck(itemB, at)

	s.tmu.Lock()
	timers := len(s.timers)
	s.tmu.Unlock()
	if timers != 2 {
		t.Fatalf("%d timers armed for two distinct courses, want 2", timers)
	}
}

func TestFiredTimerRunsCheck(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	s := testScheduler(t, runner)
	s.Register(itemA)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	waitFor(t, func() bool { return runner.count(1) == 1 })

	s.armCheck(itemA, time.Now().Add(10*time.Millisecond))
	waitFor(t, func() bool { return runner.count(1) == 2 })
}

func TestRetirementRemovesItem(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.results[1] = workflow.Result{Outcome: workflow.OutcomeRetired}
	s := testScheduler(t, runner)
	s.Register(itemA)
	s.Register(itemB)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	waitFor(t, func() bool { return runner.count(1) == 1 && runner.count(2) == 1 })
	waitFor(t, func() bool { return len(s.Items()) == 1 })

	// A later pass only sees the surviving course.
	s.pass(context.Background())
	waitFor(t, func() bool { return runner.count(2) == 2 })
	if got := runner.count(1); got != 1 {
		t.Fatalf("retired course checked %d times, want 1", got)
	}
}

func TestStaleTimerForRetiredItemIsNoOp(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.results[1] = workflow.Result{Outcome: workflow.OutcomeRetired}
	s := testScheduler(t, runner)
	s.Register(itemA)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	waitFor(t, func() bool { return len(s.Items()) == 0 })

	// Timer armed before retirement fires afterwards; nothing happens.
	s.armCheck(itemA, time.Now().Add(10*time.Millisecond))
	time.Sleep(100 * time.Millisecond)
	if got := runner.count(1); got != 1 {
		t.Fatalf("stale timer re-checked a retired course (%d calls)", got)
	}
}

func TestOverlappingPassSkipsRunningItem(t *testing.T) {
	t.Parallel()
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s := testScheduler(t, runner)
	s.Register(itemA)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return runner.count(1) == 1 })

	// Second pass while the first cycle is still blocked: must skip.
	s.pass(context.Background())
	time.Sleep(50 * time.Millisecond)
	if got := runner.count(1); got != 1 {
		t.Fatalf("overlapping pass ran the item again (%d calls)", got)
	}

	close(runner.block)
	s.Stop()
}
