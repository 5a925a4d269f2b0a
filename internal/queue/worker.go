package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/resilience"
	"github.com/breakwater-travel/intake-cli/internal/store"
)

// Config holds the worker retry and polling policy.
type Config struct {
	// MaxRetries bounds total attempts per task. A task failing on its
	// MaxRetries-th attempt goes to failed.
	MaxRetries int
	// BackoffBase is the delay before the second attempt; each further
	// attempt doubles it.
	BackoffBase time.Duration
	// PollInterval is how long the loop sleeps when the queue is empty.
	PollInterval time.Duration
	// LeaseTimeout is how long a processing claim stays valid before
	// another worker may reclaim the task.
	LeaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 10 * time.Minute
	}
	return c
}

// maxRetryDelay caps the exponential backoff so misconfigured retry budgets
// cannot push tasks days into the future.
const maxRetryDelay = time.Hour

// Worker claims due tasks from the store and runs them through the
// dispatcher. Multiple workers (in one process or many) coordinate purely
// through the store's row-locking claim.
type Worker struct {
	store      store.Store
	dispatcher *Dispatcher
	cfg        Config
	log        *zap.Logger
}

// NewWorker creates a worker. Zero-value config fields fall back to the
// defaults (3 retries, 60s backoff base, 5s poll, 10m lease).
func NewWorker(st store.Store, d *Dispatcher, cfg Config) *Worker {
	return &Worker{
		store:      st,
		dispatcher: d,
		cfg:        cfg.withDefaults(),
		log:        zap.L().With(zap.String("component", "queue.worker")),
	}
}

// Run claims and processes tasks until ctx is cancelled. Task failures never
// stop the loop; it returns nil on cancellation. After finishing a task it
// claims again immediately so a backlog drains without poll sleeps.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker loop started",
		zap.Int("max_retries", w.cfg.MaxRetries),
		zap.Duration("backoff_base", w.cfg.BackoffBase),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("lease_timeout", w.cfg.LeaseTimeout))

	for {
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("worker loop stopped")
				return nil
			}
			w.log.Error("claim failed", zap.Error(err))
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims at most one due task and settles it. It reports whether a
// task was claimed so callers can skip the idle sleep while draining.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	task, err := w.store.ClaimTask(ctx, now, now.Add(-w.cfg.LeaseTimeout))
	if err != nil {
		return false, eris.Wrap(err, "queue: claim task")
	}
	if task == nil {
		return false, nil
	}
	w.process(ctx, task)
	return true, nil
}

func (w *Worker) process(ctx context.Context, task *model.Task) {
	log := w.log.With(
		zap.Int64("task_id", task.ID),
		zap.String("task_type", string(task.Type)),
		zap.Int("attempt", task.Attempts))
	start := time.Now()

	res, err := w.dispatch(ctx, task)
	if err != nil {
		w.settleFailure(ctx, task, err, log)
		return
	}

	if err := w.store.MarkTaskSuccess(ctx, task.ID); err != nil {
		// The task stays processing and is reclaimed after the lease;
		// the handler's idempotency guard absorbs the rerun.
		log.Error("mark task success", zap.Error(err))
		return
	}
	if res.Skipped {
		log.Info("task skipped",
			zap.String("reason", res.Reason),
			zap.Duration("elapsed", time.Since(start)))
		return
	}
	log.Info("task processed",
		zap.Int64("inquiry_id", res.InquiryID),
		zap.Duration("elapsed", time.Since(start)))
}

// dispatch runs the handler with panic recovery. A panicking handler is a
// task failure, not a dead worker.
func (w *Worker) dispatch(ctx context.Context, task *model.Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("queue: handler panic: %v", r)
		}
	}()
	return w.dispatcher.Dispatch(ctx, task)
}

func (w *Worker) settleFailure(ctx context.Context, task *model.Task, taskErr error, log *zap.Logger) {
	switch {
	case resilience.IsPermanent(taskErr):
		log.Error("task failed permanently", zap.Error(taskErr))
		if err := w.store.MarkTaskFailed(ctx, task.ID, taskErr.Error()); err != nil {
			log.Error("mark task failed", zap.Error(err))
		}
	case task.Attempts >= w.cfg.MaxRetries:
		log.Error("task failed, retries exhausted", zap.Error(taskErr))
		if err := w.store.MarkTaskFailed(ctx, task.ID, taskErr.Error()); err != nil {
			log.Error("mark task failed", zap.Error(err))
		}
	default:
		delay := w.RetryDelay(task.Attempts)
		nextRun := time.Now().UTC().Add(delay)
		log.Warn("task failed, retry scheduled",
			zap.Error(taskErr),
			zap.Duration("delay", delay),
			zap.Time("next_run", nextRun))
		if err := w.store.MarkTaskRetry(ctx, task.ID, taskErr.Error(), nextRun); err != nil {
			log.Error("mark task retry", zap.Error(err))
		}
	}
}

// RetryDelay returns the backoff after the given 1-based attempt: base for
// the first failure, then doubling (60s, 120s, 240s with the default base),
// capped at maxRetryDelay.
func (w *Worker) RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := w.cfg.BackoffBase << (attempts - 1)
	if d > maxRetryDelay || d <= 0 {
		d = maxRetryDelay
	}
	return d
}
