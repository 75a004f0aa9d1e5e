package sweep

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"disputeflow/fault"
)

type fakeTarget struct {
	mu       sync.Mutex
	due      []string
	dueErr   error
	results  map[string]error
	stale    map[string]bool
	block    map[string]bool
	seenNow  time.Time
	calls    []string
	recorded map[string]error
}

func newFakeTarget(ids ...string) *fakeTarget {
	return &fakeTarget{
		due:      ids,
		results:  map[string]error{},
		stale:    map[string]bool{},
		block:    map[string]bool{},
		recorded: map[string]error{},
	}
}

func (f *fakeTarget) DueDisputes(_ context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenNow = now
	return f.due, f.dueErr
}

func (f *fakeTarget) ProcessDue(ctx context.Context, id string, _ time.Time) (bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	err, stale, block := f.results[id], f.stale[id], f.block[id]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	return !stale, nil
}

func (f *fakeTarget) RecordEvaluationError(ctx context.Context, id string, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded[id] = cause
	return nil
}

func TestRunOnceCountsOutcomes(t *testing.T) {
	target := newFakeTarget("a", "b", "c", "d")
	target.stale["b"] = true
	target.results["c"] = fault.New(fault.InvalidAnchorDate, "mailed date is in the future")

	fixed := time.Date(2025, 2, 20, 9, 0, 0, 0, time.FixedZone("EST", -5*3600))
	s := New(target).WithClock(func() time.Time { return fixed }).WithConcurrency(2)

	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Scanned != 4 || rep.Fired != 2 || rep.Skipped != 1 || rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if !target.seenNow.Equal(fixed) || target.seenNow.Location() != time.UTC {
		t.Fatalf("expected the clock in UTC, got %v", target.seenNow)
	}
	if len(target.calls) != 4 {
		t.Fatalf("expected every dispute processed, got %v", target.calls)
	}
	if cause, ok := target.recorded["c"]; !ok || fault.CodeOf(cause) != fault.InvalidAnchorDate {
		t.Fatalf("expected evaluation error recorded for c, got %v", target.recorded)
	}
	if len(target.recorded) != 1 {
		t.Fatalf("only the failing dispute should be recorded, got %v", target.recorded)
	}
}

func TestRunOnceRecordsTimeoutWithFreshContext(t *testing.T) {
	target := newFakeTarget("slow")
	target.block["slow"] = true
	s := New(target).WithDisputeTimeout(20 * time.Millisecond)

	rep, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Failed != 1 {
		t.Fatalf("expected the slow dispute to fail, got %+v", rep)
	}
	if cause := target.recorded["slow"]; !errors.Is(cause, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded recorded, got %v", cause)
	}
}

func TestRunOnceListFailure(t *testing.T) {
	target := newFakeTarget()
	target.dueErr = errors.New("connection refused")
	if _, err := New(target).RunOnce(context.Background()); err == nil {
		t.Fatalf("expected list error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	target := newFakeTarget()
	s := New(target).WithInterval(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected run to stop with the context, got %v", err)
	}
}

func TestRunOnceSkipsWhenLockHeld_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL is empty; set it to a live Redis to run integration test")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()
	locker := redislock.New(client)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	held, err := locker.Obtain(ctx, LockKey, time.Minute, nil)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	defer held.Release(context.Background())

	target := newFakeTarget("a")
	rep, err := New(target).WithLocker(locker).RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !rep.LockHeld || len(target.calls) != 0 {
		t.Fatalf("expected the run to be skipped, got %+v calls=%v", rep, target.calls)
	}

	if err := held.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	rep, err = New(target).WithLocker(locker).RunOnce(ctx)
	if err != nil || rep.Fired != 1 {
		t.Fatalf("expected the run to proceed once the lock is free, got %+v %v", rep, err)
	}
}
