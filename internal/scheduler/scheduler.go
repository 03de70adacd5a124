package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/failover-agent/internal/connectivity"
)

// Outcomes passed to the observer.
const (
	OutcomeSent    = "sent"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("scheduler: already started")

	// ErrInvalidTask is returned when a task cannot be scheduled.
	ErrInvalidTask = errors.New("scheduler: invalid task")
)

// Action is one periodic publication. It runs only while a session is live.
type Action func(ctx context.Context, sess connectivity.Session) error

// Task is a named periodic action.
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Action       Action
}

func (t Task) validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("%w: %s: interval must be positive", ErrInvalidTask, t.Name)
	}
	if t.InitialDelay < 0 {
		return fmt.Errorf("%w: %s: initial delay must not be negative", ErrInvalidTask, t.Name)
	}
	if t.Action == nil {
		return fmt.Errorf("%w: %s: action is required", ErrInvalidTask, t.Name)
	}
	return nil
}

// Observer is told the outcome of every tick.
type Observer func(task, outcome string)

// Logger defines the logging interface for the scheduler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Scheduler runs periodic tasks against the live session. Ticks that fall
// while no session is live are skipped, never queued.
type Scheduler struct {
	gate   connectivity.SessionSource
	logger Logger

	mu       sync.Mutex
	tasks    []Task
	observer Observer
	started  bool
	cancel   context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a scheduler that borrows sessions from gate.
func New(gate connectivity.SessionSource) *Scheduler {
	return &Scheduler{
		gate:   gate,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the scheduler.
func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// SetObserver sets a callback invoked after every tick.
func (s *Scheduler) SetObserver(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Add registers a task. Tasks added after Start are not run.
func (s *Scheduler) Add(task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// Tasks returns the names of the registered tasks.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}

// Start launches one goroutine per task. They run until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}

	s.logger.Info("scheduler started", "tasks", len(s.tasks))
	return nil
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
		s.logger.Info("scheduler stopped")
	})
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	if task.InitialDelay > 0 {
		timer := time.NewTimer(task.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	// The ticker channel holds one pending tick; slow runs drop the rest.
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	skipping := false
	for {
		skipping = s.tick(ctx, task, skipping)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs task once. It returns whether the task is in a disconnected
// spell so the skip is logged only when the spell begins.
func (s *Scheduler) tick(ctx context.Context, task Task, skipping bool) bool {
	if ctx.Err() != nil {
		return skipping
	}

	sess, err := s.gate.Session()
	if err != nil {
		if !skipping {
			s.logger.Debug("skipping task while disconnected", "task", task.Name, "error", err)
		}
		s.observe(task.Name, OutcomeSkipped)
		return true
	}

	if skipping {
		s.logger.Debug("task resumed", "task", task.Name)
	}

	if err := s.run(ctx, task, sess); err != nil {
		s.logger.Warn("task failed", "task", task.Name, "error", err)
		s.observe(task.Name, OutcomeFailed)
		return false
	}
	s.observe(task.Name, OutcomeSent)
	return false
}

func (s *Scheduler) run(ctx context.Context, task Task, sess connectivity.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Action(ctx, sess)
}

func (s *Scheduler) observe(task, outcome string) {
	s.mu.Lock()
	fn := s.observer
	s.mu.Unlock()
	if fn != nil {
		fn(task, outcome)
	}
}
