package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
)

// TaskScheduler runs triggered tasks. Each scheduled task has its own timing
// goroutine while executions share a bounded ants worker pool.
type TaskScheduler struct {
	pool     *ants.Pool
	poolSize int
	logger   *slog.Logger
}

// SchedulerOption configures a TaskScheduler
type SchedulerOption func(*TaskScheduler)

// WithPoolSize sets the number of workers executing tasks
func WithPoolSize(size int) SchedulerOption {
	return func(s *TaskScheduler) {
		s.poolSize = size
	}
}

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *TaskScheduler) {
		s.logger = logger
	}
}

// NewTaskScheduler creates a new task scheduler
func NewTaskScheduler(options ...SchedulerOption) (*TaskScheduler, error) {
	s := &TaskScheduler{
		poolSize: 10,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	pool, err := ants.NewPool(s.poolSize, ants.WithPanicHandler(func(p interface{}) {
		s.logger.Error("scheduled task panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler pool: %w", err)
	}
	s.pool = pool

	return s, nil
}

// Schedule runs task whenever trigger fires until the returned task is
// cancelled or the trigger ends. Executions of one task never overlap.
func (s *TaskScheduler) Schedule(task func(ctx context.Context), trigger Trigger) (*ScheduledTask, error) {
	if task == nil || trigger == nil {
		return nil, fmt.Errorf("task and trigger cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	scheduled := &ScheduledTask{
		cancel:     cancel,
		done:       make(chan struct{}),
		executions: atomic.NewInt64(0),
	}

	go s.run(ctx, scheduled, task, trigger)
	return scheduled, nil
}

func (s *TaskScheduler) run(ctx context.Context, scheduled *ScheduledTask, task func(ctx context.Context), trigger Trigger) {
	defer close(scheduled.done)

	var last TriggerContext
	for {
		next := trigger.NextExecution(last)
		if next.IsZero() {
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		last.LastScheduled = next
		last.LastActualExecution = time.Now()

		finished := make(chan struct{})
		if err := s.pool.Submit(func() {
			defer close(finished)
			task(ctx)
		}); err != nil {
			if errors.Is(err, ants.ErrPoolClosed) {
				s.logger.Warn("scheduler closed, task stopped")
				return
			}
			s.logger.Warn("failed to submit scheduled task", "error", err)
		} else {
			// the in-flight execution always completes
			<-finished
			scheduled.executions.Inc()
		}

		last.LastCompletion = time.Now()
	}
}

// Running returns the number of executing tasks
func (s *TaskScheduler) Running() int {
	return s.pool.Running()
}

// Close releases the worker pool, waiting up to 5 seconds for running tasks
func (s *TaskScheduler) Close() error {
	if err := s.pool.ReleaseTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("failed to release scheduler pool: %w", err)
	}
	return nil
}

// ScheduledTask is a handle on a scheduled task
type ScheduledTask struct {
	cancel     context.CancelFunc
	done       chan struct{}
	executions *atomic.Int64
}

// Cancel stops further executions. The context of an in-flight execution is
// cancelled but the execution is not interrupted.
func (t *ScheduledTask) Cancel() {
	t.cancel()
}

// Wait blocks until the task stopped, including any in-flight execution
func (t *ScheduledTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the task stopped
func (t *ScheduledTask) Done() <-chan struct{} {
	return t.done
}

// Executions returns the number of completed executions
func (t *ScheduledTask) Executions() int64 {
	return t.executions.Load()
}
