// Package scheduler runs the hub's periodic maintenance tasks: heartbeat
// sweeps, message retention and knowledge eviction.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cognitivecities/neuralhub/internal/logging"
)

// Scheduler manages interval tasks
type Scheduler struct {
	tasks   map[string]*Task
	running map[string]context.CancelFunc
	logger  *zap.Logger
	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a new scheduler
func NewScheduler(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		tasks:   make(map[string]*Task),
		running: make(map[string]context.CancelFunc),
		logger:  logging.OrNop(logger).Named("scheduler"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Task is a named handler run every Interval
type Task struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	Timeout    time.Duration `json:"timeout"`
	Handler    TaskHandler   `json:"-"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    *time.Time    `json:"next_run,omitempty"`
	RunCount   int64         `json:"run_count"`
	ErrorCount int64         `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
}

// TaskHandler is the function executed for a task
type TaskHandler func(ctx context.Context) error

// IntervalTask creates a task that runs at a fixed interval
func IntervalTask(id, name string, interval time.Duration, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Interval: interval,
		Handler:  handler,
	}
}

// Register adds a task to the scheduler
func (s *Scheduler) Register(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task handler is required")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", task.ID)
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already registered", task.ID)
	}

	if task.Timeout == 0 {
		task.Timeout = task.Interval
	}
	nextRun := time.Now().Add(task.Interval)
	task.NextRun = &nextRun

	s.tasks[task.ID] = task

	// Start task if scheduler is running
	if s.started {
		s.startTask(task)
	}

	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	for _, task := range s.tasks {
		s.startTask(task)
	}

	s.logger.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
	return nil
}

// Stop stops the scheduler and waits for in-flight runs
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}

	s.cancel()
	for _, cancel := range s.running {
		cancel()
	}
	s.running = make(map[string]context.CancelFunc)
	s.started = false
	s.mu.Unlock()

	// Task loops take the lock to record results
	s.wg.Wait()

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return nil
}

// Run starts the scheduler and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// startTask starts a single task's loop. Caller holds s.mu.
func (s *Scheduler) startTask(task *Task) {
	taskCtx, cancel := context.WithCancel(s.ctx)
	s.running[task.ID] = cancel

	s.wg.Add(1)
	go s.runTaskLoop(taskCtx, task)
}

// runTaskLoop is the main loop for a task
func (s *Scheduler) runTaskLoop(ctx context.Context, task *Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.executeTask(ctx, task)
		}
	}
}

// executeTask executes a single task
func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	now := time.Now()
	s.mu.Lock()
	task.LastRun = &now
	task.RunCount++
	s.mu.Unlock()

	err := task.Handler(execCtx)

	s.mu.Lock()
	if err != nil {
		task.ErrorCount++
		task.LastError = err.Error()
	} else {
		task.LastError = ""
	}
	nextRun := time.Now().Add(task.Interval)
	task.NextRun = &nextRun
	s.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Warn("task failed", zap.String("task", task.ID), zap.Error(err))
	}
}

// RunNow executes a task immediately and synchronously
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	ctx := s.ctx
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	s.executeTask(ctx, task)
	return nil
}

// GetTask returns a copy of a task by ID
func (s *Scheduler) GetTask(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// ListTasks returns copies of all tasks ordered by ID
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:      s.started,
		TotalTasks:   len(s.tasks),
		RunningTasks: len(s.running),
	}
	for _, task := range s.tasks {
		stats.TotalRuns += task.RunCount
		stats.TotalErrors += task.ErrorCount
	}
	return stats
}

// Stats contains scheduler statistics
type Stats struct {
	Started      bool  `json:"started"`
	TotalTasks   int   `json:"total_tasks"`
	RunningTasks int   `json:"running_tasks"`
	TotalRuns    int64 `json:"total_runs"`
	TotalErrors  int64 `json:"total_errors"`
}
