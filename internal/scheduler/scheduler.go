// Package scheduler registers periodic background tasks that run without
// any foreground wiring present, mirroring an OS background-fetch API:
// idempotent registration, a platform minimum interval, and a bounded
// per-run budget.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// defaultMinInterval matches the common platform floor for background
	// wake-ups.
	defaultMinInterval = 15 * time.Minute
	// defaultRunBudget bounds one task invocation, standing in for the
	// platform's kill deadline.
	defaultRunBudget = 30 * time.Second
)

var (
	// ErrMissingTaskName indicates registration without a name.
	ErrMissingTaskName = errors.New("scheduler: task name is required")
	// ErrMissingTaskFunc indicates registration without a body.
	ErrMissingTaskFunc = errors.New("scheduler: task func is required")
	// ErrNotRegistered indicates no task exists under the given name.
	ErrNotRegistered = errors.New("scheduler: task not registered")
)

// TaskFunc is one background task body. It must not assume any foreground
// singleton exists; storage access goes through its own initialization.
type TaskFunc func(ctx context.Context) error

// TaskStatus is an introspection snapshot for diagnostics and tests.
type TaskStatus struct {
	Name      string
	Interval  time.Duration
	Runs      int64
	LastRun   time.Time
	LastError string
}

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	cancel   context.CancelFunc

	mu        sync.Mutex
	runs      int64
	lastRun   time.Time
	lastError string
}

// SchedulerConfig wires the scheduler's dependencies.
type SchedulerConfig struct {
	MinInterval time.Duration
	RunBudget   time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Scheduler owns the set of registered periodic tasks.
type Scheduler struct {
	minInterval time.Duration
	runBudget   time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// New constructs a Scheduler with platform-style defaults.
func New(cfg SchedulerConfig) *Scheduler {
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	runBudget := cfg.RunBudget
	if runBudget <= 0 {
		runBudget = defaultRunBudget
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		minInterval: minInterval,
		runBudget:   runBudget,
		clock:       clock,
		logger:      logger,
		tasks:       make(map[string]*task),
	}
}

// Register starts a periodic task. Registering an already-registered name
// is a no-op, so every entry point may call it safely. Intervals below the
// platform minimum are floored to it.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) error {
	if name == "" {
		return ErrMissingTaskName
	}
	if fn == nil {
		return ErrMissingTaskFunc
	}
	if interval < s.minInterval {
		interval = s.minInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		s.logger.Debug("task already registered", zap.String("task", name))
		return nil
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	registered := &task{name: name, interval: interval, fn: fn, cancel: cancel}
	s.tasks[name] = registered

	go s.runLoop(taskCtx, registered)

	s.logger.Info("background task registered",
		zap.String("task", name),
		zap.Duration("interval", interval))
	return nil
}

func (s *Scheduler) runLoop(ctx context.Context, registered *task) {
	ticker := time.NewTicker(registered.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, registered)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, registered *task) {
	runCtx, cancel := context.WithTimeout(ctx, s.runBudget)
	err := registered.fn(runCtx)
	cancel()

	registered.mu.Lock()
	registered.runs++
	registered.lastRun = s.clock().UTC()
	if err != nil {
		registered.lastError = err.Error()
	} else {
		registered.lastError = ""
	}
	registered.mu.Unlock()

	if err != nil {
		s.logger.Warn("background task run failed",
			zap.String("task", registered.name), zap.Error(err))
	}
}

// Unregister stops and removes a task.
func (s *Scheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	registered, exists := s.tasks[name]
	if !exists {
		return ErrNotRegistered
	}
	registered.cancel()
	delete(s.tasks, name)
	s.logger.Info("background task unregistered", zap.String("task", name))
	return nil
}

// IsRegistered reports whether a task exists under the given name.
func (s *Scheduler) IsRegistered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.tasks[name]
	return exists
}

// Status returns an introspection snapshot for every registered task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, registered := range s.tasks {
		registered.mu.Lock()
		statuses = append(statuses, TaskStatus{
			Name:      registered.name,
			Interval:  registered.interval,
			Runs:      registered.runs,
			LastRun:   registered.lastRun,
			LastError: registered.lastError,
		})
		registered.mu.Unlock()
	}
	return statuses
}

// Shutdown stops every task.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, registered := range s.tasks {
		registered.cancel()
		delete(s.tasks, name)
	}
}
