package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/lazypower/companion/internal/faults"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within 1s")
}

func statsFor(s *Scheduler, name string) TaskStats {
	for _, st := range s.Stats() {
		if st.Name == name {
			return st
		}
	}
	return TaskStats{}
}

func TestTicksAndErrorCounters(t *testing.T) {
	var calls atomic.Int32
	s := New(nil, nil,
		Task{Name: "ok", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			calls.Add(1)
			return nil
		}},
		Task{Name: "bad", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			return errors.New("boom")
		}},
	)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() >= 3 && statsFor(s, "bad").Runs >= 3 })
	s.Stop()

	ok := statsFor(s, "ok")
	if ok.Errors != 0 || ok.Consecutive != 0 || ok.LastError != "" {
		t.Errorf("ok stats = %+v", ok)
	}
	bad := statsFor(s, "bad")
	if bad.Errors != bad.Runs || bad.Consecutive != bad.Runs {
		t.Errorf("bad stats = %+v, want every run counted as an error", bad)
	}
	if bad.LastError != "task bad: boom" {
		t.Errorf("last error = %q", bad.LastError)
	}
}

func TestConsecutiveResetsOnSuccess(t *testing.T) {
	fail := true
	s := New(nil, nil, Task{Name: "flip", Run: func(context.Context) error {
		if fail {
			return errors.New("nope")
		}
		return nil
	}})
	ctx := context.Background()

	s.Trigger(ctx, "flip")
	s.Trigger(ctx, "flip")
	if got := statsFor(s, "flip").Consecutive; got != 2 {
		t.Fatalf("consecutive = %d, want 2", got)
	}
	fail = false
	if err := s.Trigger(ctx, "flip"); err != nil {
		t.Fatal(err)
	}
	st := statsFor(s, "flip")
	if st.Consecutive != 0 || st.Errors != 2 || st.Runs != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPanicBecomesSchedulerError(t *testing.T) {
	s := New(nil, nil, Task{Name: "panicky", Run: func(context.Context) error {
		panic("kaboom")
	}})
	err := s.Trigger(context.Background(), "panicky")
	var se *faults.SchedulerError
	if !errors.As(err, &se) || se.Task != "panicky" {
		t.Fatalf("err = %v, want SchedulerError for panicky", err)
	}
	if statsFor(s, "panicky").Errors != 1 {
		t.Error("panic not counted")
	}
}

func TestNoOverlappingRuns(t *testing.T) {
	var inFlight, maxInFlight, runs atomic.Int32
	s := New(nil, nil, Task{Name: "slow", Interval: time.Millisecond, Run: func(ctx context.Context) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		runs.Add(1)
		return nil
	}})
	s.Start(context.Background())
	waitFor(t, func() bool { return runs.Load() >= 4 })
	s.Stop()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max in flight = %d, want 1", got)
	}
}

func TestTriggerWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := New(nil, nil, Task{Name: "held", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})

	done := make(chan error)
	go func() { done <- s.Trigger(context.Background(), "held") }()
	<-started

	if err := s.Trigger(context.Background(), "held"); !errors.Is(err, ErrRunning) {
		t.Errorf("second trigger err = %v, want ErrRunning", err)
	}
	if !statsFor(s, "held").Running {
		t.Error("running flag not set")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestTriggerUnknown(t *testing.T) {
	s := New(nil, nil)
	if err := s.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("err = %v, want ErrUnknownTask", err)
	}
}

func TestTimeoutCancelsRun(t *testing.T) {
	s := New(nil, nil, Task{Name: "stuck", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	err := s.Trigger(context.Background(), "stuck")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	var finished atomic.Bool
	entered := make(chan struct{}, 1)
	s := New(nil, nil, Task{Name: "coop", Interval: time.Millisecond, Run: func(ctx context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		finished.Store(true)
		return nil
	}})
	s.Start(context.Background())
	<-entered
	s.Stop()
	if !finished.Load() {
		t.Error("Stop returned before the run finished")
	}
}

func TestStartTwice(t *testing.T) {
	s := New(nil, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	s.Stop()
	s.Stop() // idempotent
}
