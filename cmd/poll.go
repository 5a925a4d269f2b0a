package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/breakwater-travel/intake-cli/internal/ingest"
	"github.com/breakwater-travel/intake-cli/internal/model"
	"github.com/breakwater-travel/intake-cli/internal/store"
)

var (
	pollOnce    bool
	pollCron    string
	pollEnqueue bool
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll the mailbox for new messages",
	Long:  "Runs one poll cycle against the mail provider and enqueues ingest tasks for new actionable messages. With --cron the cycle repeats on a schedule; with --enqueue each cycle queues a poll_provider task for a worker instead of polling inline.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("once") && pollOnce && pollCron != "" {
			return eris.New("--once and --cron are mutually exclusive")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		cycle, err := buildPollCycle(st)
		if err != nil {
			return err
		}

		if pollCron == "" {
			if pollOnce {
				return cycle(ctx)
			}
			return repeatPollCycle(ctx, cycle)
		}

		c := cron.New()
		_, err = c.AddFunc(pollCron, func() {
			if err := cycle(ctx); err != nil {
				zap.L().Error("poll cycle failed", zap.Error(err))
			}
		})
		if err != nil {
			return eris.Wrapf(err, "invalid cron expression %q", pollCron)
		}

		zap.L().Info("poll schedule started",
			zap.String("cron", pollCron),
			zap.Bool("enqueue", pollEnqueue))
		c.Start()
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	},
}

// buildPollCycle returns the per-cycle action: enqueue a poll_provider
// task for the worker pool, or run the poller inline.
func buildPollCycle(st store.Store) (func(context.Context) error, error) {
	if pollEnqueue {
		return func(ctx context.Context) error {
			task, err := st.EnqueueTask(ctx, model.TaskTypePollProvider, nil, time.Now().UTC())
			if err != nil {
				return eris.Wrap(err, "enqueue poll task")
			}
			zap.L().Info("poll task enqueued", zap.Int64("task_id", task.ID))
			return nil
		}, nil
	}

	gc, err := initGraph()
	if err != nil {
		return nil, err
	}
	engine, err := initEngine()
	if err != nil {
		return nil, err
	}
	pc, err := pollerConfig()
	if err != nil {
		return nil, err
	}
	poller := ingest.NewPoller(st, gc, engine, pc)
	return poller.Run, nil
}

// repeatPollCycle runs cycle at the configured fixed interval until the
// context is cancelled.
func repeatPollCycle(ctx context.Context, cycle func(context.Context) error) error {
	interval := time.Duration(cfg.Poller.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	zap.L().Info("poll loop started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := cycle(ctx); err != nil {
			zap.L().Error("poll cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func init() {
	pollCmd.Flags().BoolVar(&pollOnce, "once", true, "run a single poll cycle and exit")
	pollCmd.Flags().StringVar(&pollCron, "cron", "", `repeat on a cron schedule (e.g. "*/2 * * * *")`)
	pollCmd.Flags().BoolVar(&pollEnqueue, "enqueue", false, "queue a poll_provider task instead of polling inline")
	rootCmd.AddCommand(pollCmd)
}
