// Package scheduler runs a fixed set of periodic tasks, each on its own
// ticker and goroutine.
//
// Tasks are not mutually exclusive: two different tasks may run at the same
// time against the same state, so whatever they share must be safe for
// concurrent use. A single task never overlaps itself; ticks that arrive
// while it is still running are dropped. A task error or panic is logged and
// the task runs again on its next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrInvalidTask = errors.New("invalid task")

// TaskFunc is one run of a task. It should return when ctx is cancelled.
type TaskFunc func(ctx context.Context) error

type Task struct {
	Name     string
	Interval time.Duration
	Run      TaskFunc
}

// TaskStats describes a task's history.
type TaskStats struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     int64         `json:"runs"`
	Failures int64         `json:"failures"`
	LastRun  time.Time     `json:"last_run"`
	LastErr  string        `json:"last_error,omitempty"`
}

type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []Task
	stats   map[string]*TaskStats
	running bool
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		stats:  make(map[string]*TaskStats),
	}
}

// Add registers a task. Tasks must be added before Run.
func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Interval <= 0 || t.Run == nil {
		return fmt.Errorf("%w: %q every %s", ErrInvalidTask, t.Name, t.Interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%w: %q added after start", ErrInvalidTask, t.Name)
	}
	if _, dup := s.stats[t.Name]; dup {
		return fmt.Errorf("%w: duplicate name %q", ErrInvalidTask, t.Name)
	}
	s.tasks = append(s.tasks, t)
	s.stats[t.Name] = &TaskStats{Name: t.Name, Interval: t.Interval}
	return nil
}

// Run starts every task and blocks until ctx is cancelled and all in-flight
// runs have returned. The first run of each task happens one interval after
// start.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, t)
		}()
		s.logger.Info("task scheduled", "task", t.Name, "interval", t.Interval)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	start := time.Now()
	err := safeRun(ctx, t.Run)

	s.mu.Lock()
	st := s.stats[t.Name]
	st.Runs++
	st.LastRun = start
	st.LastErr = ""
	if err != nil {
		st.Failures++
		st.LastErr = err.Error()
	}
	s.mu.Unlock()

	switch {
	case err != nil && ctx.Err() == nil:
		s.logger.Warn("task failed", "task", t.Name, "duration", time.Since(start), "error", err)
	default:
		s.logger.Debug("task done", "task", t.Name, "duration", time.Since(start))
	}
}

func safeRun(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Stats returns per-task history in registration order.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *s.stats[t.Name])
	}
	return out
}
