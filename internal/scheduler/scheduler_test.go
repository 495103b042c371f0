package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAddValidates(t *testing.T) {
	t.Parallel()
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		task Task
	}{
		{"no name", Task{Interval: time.Second, Run: noop}},
		{"no interval", Task{Name: "x", Run: noop}},
		{"no func", Task{Name: "x", Interval: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := New(testLogger()).Add(tt.task); !errors.Is(err, ErrInvalidTask) {
				t.Errorf("error = %v, want ErrInvalidTask", err)
			}
		})
	}

	s := New(testLogger())
	if err := s.Add(Task{Name: "x", Interval: time.Second, Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Task{Name: "x", Interval: time.Second, Run: noop}); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("duplicate error = %v", err)
	}
}

func TestTasksRunIndependently(t *testing.T) {
	t.Parallel()
	s := New(testLogger())
	var fast atomic.Int32
	release := make(chan struct{})

	// slow blocks on its first run; fast must keep ticking regardless.
	_ = s.Add(Task{Name: "slow", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}})
	_ = s.Add(Task{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		fast.Add(1)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for fast.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("fast ran %d times while slow was blocked", fast.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v", err)
	}
}

func TestFailuresAndPanicsAreContained(t *testing.T) {
	t.Parallel()
	s := New(testLogger())
	var calls atomic.Int32
	_ = s.Add(Task{Name: "flaky", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("transient")
		}
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	st := s.Stats()
	if len(st) != 1 || st[0].Runs < 3 || st[0].Failures != 2 {
		t.Errorf("stats = %+v, want >= 3 runs and 2 failures", st)
	}
}
