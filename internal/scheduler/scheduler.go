// Package scheduler runs periodic background tasks.
//
// Each task has its own goroutine. The next tick is armed only after the
// current run returns, so runs of one task never overlap. Errors and panics
// are logged and counted and the loop keeps going.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/companion/internal/faults"
	"github.com/lazypower/companion/internal/logging"
	"github.com/lazypower/companion/internal/metrics"
)

var (
	// ErrRunning is returned by Trigger when the task is already running.
	ErrRunning = errors.New("task already running")
	// ErrUnknownTask is returned by Trigger for a name that was never added.
	ErrUnknownTask = errors.New("unknown task")
)

// Task is one periodic unit of background work. Run must return promptly
// once its context is done.
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration // 0: no per-run timeout
	Run      func(ctx context.Context) error
}

// TaskStats is a snapshot of one task's counters.
type TaskStats struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Runs         int           `json:"runs"`
	Errors       int           `json:"errors"`
	Consecutive  int           `json:"consecutive_errors"`
	LastRun      time.Time     `json:"last_run"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	Running      bool          `json:"running"`
}

type runner struct {
	task Task
	run  sync.Mutex // held for the duration of one run

	mu    sync.Mutex
	stats TaskStats
}

// Scheduler owns a fixed set of tasks.
type Scheduler struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	tasks   []*runner
	byName  map[string]*runner

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler for tasks. Tasks with a non-positive interval are
// never ticked but can still be triggered.
func New(log *zap.Logger, m *metrics.Metrics, tasks ...Task) *Scheduler {
	s := &Scheduler{
		log:     logging.OrNop(log).Named("scheduler"),
		metrics: m,
		byName:  make(map[string]*runner, len(tasks)),
	}
	for _, t := range tasks {
		r := &runner{task: t, stats: TaskStats{Name: t.Name, Interval: t.Interval}}
		s.tasks = append(s.tasks, r)
		s.byName[t.Name] = r
	}
	return s
}

// Start launches one loop per task. The first run of each task happens after
// one interval. Calling Start twice is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	for _, r := range s.tasks {
		if r.task.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, r)
	}
	s.log.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
	return nil
}

// Stop cancels every loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, r *runner) {
	defer s.wg.Done()
	timer := time.NewTimer(r.task.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.run.Lock()
			s.execute(ctx, r)
			r.run.Unlock()
			timer.Reset(r.task.Interval)
		}
	}
}

// Trigger runs a task now, outside its schedule. It fails with ErrRunning
// if a run of the same task is in flight.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	r, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if !r.run.TryLock() {
		return fmt.Errorf("%s: %w", name, ErrRunning)
	}
	defer r.run.Unlock()
	return s.execute(ctx, r)
}

// execute performs one run with the caller holding r.run.
func (s *Scheduler) execute(ctx context.Context, r *runner) error {
	if r.task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.task.Timeout)
		defer cancel()
	}

	r.mu.Lock()
	r.stats.Running = true
	r.mu.Unlock()

	start := time.Now()
	err := s.safeRun(ctx, r.task)
	elapsed := time.Since(start)

	r.mu.Lock()
	r.stats.Running = false
	r.stats.Runs++
	r.stats.LastRun = start
	r.stats.LastDuration = elapsed
	if err != nil {
		r.stats.Errors++
		r.stats.Consecutive++
		r.stats.LastError = err.Error()
	} else {
		r.stats.Consecutive = 0
		r.stats.LastError = ""
	}
	consecutive := r.stats.Consecutive
	r.mu.Unlock()

	s.metrics.TaskDone(r.task.Name, elapsed, err)
	if err != nil {
		s.log.Warn("task failed",
			zap.String("task", r.task.Name),
			zap.Int("consecutive", consecutive),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return err
	}
	s.log.Debug("task done", zap.String("task", r.task.Name), zap.Duration("elapsed", elapsed))
	return nil
}

func (s *Scheduler) safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &faults.SchedulerError{Task: t.Name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	if err := t.Run(ctx); err != nil {
		return &faults.SchedulerError{Task: t.Name, Err: err}
	}
	return nil
}

// Stats returns a snapshot per task in registration order.
func (s *Scheduler) Stats() []TaskStats {
	out := make([]TaskStats, 0, len(s.tasks))
	for _, r := range s.tasks {
		r.mu.Lock()
		out = append(out, r.stats)
		r.mu.Unlock()
	}
	return out
}
