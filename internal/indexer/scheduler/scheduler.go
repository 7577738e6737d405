package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/blockflow/internal/indexer/handlers"
	"github.com/drblury/blockflow/internal/indexer/notify"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

// DefaultWorkers is used when no positive pool size is configured.
const DefaultWorkers = 8

// Observer is called after every handler run.
type Observer func(subtype string, took time.Duration, err error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver registers a callback invoked after each handler.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// Scheduler runs a block's handlers according to their Plan.
type Scheduler struct {
	workers  int
	logger   logging.ServiceLogger
	observer Observer
}

// New returns a Scheduler running at most workers groups at once.
func New(workers int, logger logging.ServiceLogger, opts ...Option) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Scheduler{
		workers: workers,
		logger:  logger.With(logging.LogFields{"component": "scheduler"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Workers reports the size of the worker pool.
func (s *Scheduler) Workers() int { return s.workers }

// Run executes hs against env and returns their notifications. Outputs of
// different groups are concatenated in the order the groups start in the
// block; within a group they follow handler order. The first failing handler
// cancels the remaining groups and its error is returned.
func (s *Scheduler) Run(ctx context.Context, hs []handlers.Handler, env *handlers.Env) ([]notify.Notification, error) {
	if len(hs) == 0 {
		return nil, nil
	}
	keys := make([][]string, len(hs))
	for i, h := range hs {
		keys[i] = h.ParallelizationKeys()
	}
	plan := NewPlan(keys)
	if err := plan.check(); err != nil {
		return nil, err
	}
	s.logger.Debug("Scheduled block handlers", logging.LogFields{
		"handlers": len(hs),
		"groups":   plan.Concurrency(),
		"workers":  s.workers,
	})

	outputs := make([][]notify.Notification, len(plan.Groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for gi, group := range plan.Groups {
		g.Go(func() error {
			return s.runGroup(gctx, hs, group, env, &outputs[gi])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []notify.Notification
	for _, ns := range outputs {
		out = append(out, ns...)
	}
	return out, nil
}

func (s *Scheduler) runGroup(ctx context.Context, hs []handlers.Handler, group []int, env *handlers.Env, out *[]notify.Notification) (err error) {
	current := -1
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Handler panicked", fmt.Errorf("%v", r), logging.LogFields{
				"handler": current,
				"stack":   string(debug.Stack()),
			})
			err = &errspkg.InvariantError{Reason: fmt.Sprintf("handler %d panicked: %v", current, r)}
		}
	}()

	for _, idx := range group {
		if err := ctx.Err(); err != nil {
			return err
		}
		current = idx
		h := hs[idx]
		start := time.Now()
		ns, err := h.Handle(ctx, env)
		if s.observer != nil {
			s.observer(h.Subtype(), time.Since(start), err)
		}
		if err != nil {
			return fmt.Errorf("handler %d (%s): %w", idx, h.Subtype(), err)
		}
		*out = append(*out, ns...)
	}
	return nil
}
