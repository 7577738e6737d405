// Package supervisor runs the service's background jobs: periodic tasks that
// never overlap with themselves, log panics with a stack and back off after
// failures instead of spinning.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/blockflow/internal/runtime/logging"
)

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the task once immediately instead of waiting for the
	// first tick.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithBackOff overrides the restart policy factory. Each task gets its own
// policy instance.
func WithBackOff(newPolicy func() backoff.BackOff) Option {
	return func(s *Supervisor) { s.newPolicy = newPolicy }
}

// Supervisor owns a set of tasks.
type Supervisor struct {
	logger    logging.ServiceLogger
	newPolicy func() backoff.BackOff

	mu    sync.Mutex
	tasks []Task
}

// New returns an empty supervisor.
func New(logger logging.ServiceLogger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Supervisor{
		logger: logger.With(logging.LogFields{"component": "supervisor"}),
		newPolicy: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 500 * time.Millisecond
			policy.MaxInterval = 30 * time.Second
			return policy
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a task. Tasks added after Run started are ignored.
func (s *Supervisor) Add(task Task) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
}

// Run starts every task and blocks until ctx is done and all tasks returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := append([]Task(nil), s.tasks...)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, task := range tasks {
		if task.Run == nil || task.Interval <= 0 {
			s.logger.Warn("Skipping invalid task", logging.LogFields{"task": task.Name})
			continue
		}
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			s.loop(ctx, task)
		}(task)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Supervisor) loop(ctx context.Context, task Task) {
	log := s.logger.With(logging.LogFields{"task": task.Name})
	policy := s.newPolicy()

	wait := task.Interval
	if task.RunOnStart {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.runOnce(ctx, task); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := policy.NextBackOff()
			if delay == backoff.Stop {
				delay = task.Interval
			}
			log.Warn("Task failed, backing off", logging.LogFields{"error": err.Error(), "retry_in": delay.String()})
			timer.Reset(delay)
			continue
		}
		policy.Reset()
		timer.Reset(task.Interval)
	}
}

func (s *Supervisor) runOnce(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("Task panicked", err, logging.LogFields{
				"task":  task.Name,
				"stack": string(debug.Stack()),
			})
		}
	}()
	return task.Run(ctx)
}
