package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func noop(ctx context.Context) error { return nil }

func TestNewScheduler(t *testing.T) {
	s := NewScheduler(nil)

	if s.tasks == nil {
		t.Error("tasks map is nil")
	}
	if s.running == nil {
		t.Error("running map is nil")
	}
	if s.logger == nil {
		t.Error("nil logger should fall back to a no-op logger")
	}
}

func TestScheduler_Register(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	t.Run("valid task", func(t *testing.T) {
		task := IntervalTask("sweep", "Heartbeat sweep", time.Minute, noop)
		if err := s.Register(task); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if task.Timeout != time.Minute {
			t.Errorf("Timeout = %v, want interval as default", task.Timeout)
		}
		if task.NextRun == nil {
			t.Error("NextRun should be set")
		}
	})

	tests := []struct {
		name string
		task *Task
	}{
		{"missing id", IntervalTask("", "x", time.Minute, noop)},
		{"missing handler", IntervalTask("no-handler", "x", time.Minute, nil)},
		{"zero interval", IntervalTask("zero", "x", 0, noop)},
		{"duplicate id", IntervalTask("sweep", "again", time.Minute, noop)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Register(tt.task); err == nil {
				t.Error("Register() should fail")
			}
		})
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(nil)
	s.Register(IntervalTask("a", "A", time.Hour, noop))

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	stats := s.GetStats()
	if !stats.Started || stats.RunningTasks != 1 {
		t.Errorf("stats = %+v, want started with 1 running task", stats)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() when stopped error = %v", err)
	}
	if s.GetStats().Started {
		t.Error("scheduler should report stopped")
	}

	// Restartable
	if err := s.Start(); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	s.Stop()
}

func TestScheduler_RunNow(t *testing.T) {
	s := NewScheduler(nil)

	var calls int32
	s.Register(IntervalTask("count", "Count", time.Hour, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	if err := s.RunNow("count"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("RunNow() of unknown task should fail")
	}
}

func TestScheduler_ExecuteTask_Error(t *testing.T) {
	s := NewScheduler(nil)

	task := IntervalTask("failing", "Failing", time.Minute, func(ctx context.Context) error {
		return errors.New("disk full")
	})
	s.Register(task)
	s.RunNow("failing")
	s.RunNow("failing")

	got, ok := s.GetTask("failing")
	if !ok {
		t.Fatal("GetTask() not found")
	}
	if got.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", got.ErrorCount)
	}
	if got.LastError != "disk full" {
		t.Errorf("LastError = %v, want 'disk full'", got.LastError)
	}
	if got.RunCount != 2 {
		t.Errorf("RunCount = %d, want 2", got.RunCount)
	}

	stats := s.GetStats()
	if stats.TotalRuns != 2 || stats.TotalErrors != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestScheduler_ExecuteTask_Timeout(t *testing.T) {
	s := NewScheduler(nil)

	task := IntervalTask("slow", "Slow", time.Hour, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	task.Timeout = 10 * time.Millisecond
	s.Register(task)

	done := make(chan struct{})
	go func() {
		s.RunNow("slow")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task timeout was not applied")
	}

	got, _ := s.GetTask("slow")
	if got.LastError != context.DeadlineExceeded.Error() {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestScheduler_ListTasks(t *testing.T) {
	s := NewScheduler(nil)
	s.Register(IntervalTask("b", "B", time.Minute, noop))
	s.Register(IntervalTask("a", "A", time.Minute, noop))

	tasks := s.ListTasks()
	if len(tasks) != 2 || tasks[0].ID != "a" || tasks[1].ID != "b" {
		t.Errorf("ListTasks() = %+v, want a, b", tasks)
	}
}

func TestScheduler_Run_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	s := NewScheduler(nil)

	var count int32
	s.Register(IntervalTask("tick", "Tick", 10*time.Millisecond, func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if atomic.LoadInt32(&count) < 2 {
		t.Errorf("count = %d, expected at least 2 executions", count)
	}
	if s.GetStats().Started {
		t.Error("Run() should stop the scheduler on return")
	}
}
