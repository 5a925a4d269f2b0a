package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/breakwater-travel/intake-cli/internal/queue"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run task queue workers",
	Long:  "Claims due tasks from the queue and processes them. Safe to run multiple instances; workers coordinate through row-locking claims.",
	RunE: func(cmd *cobra.Command, _ []string) error {
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

		engine, err := initEngine()
		if err != nil {
			return err
		}

		d, err := buildDispatcher(st, engine)
		if err != nil {
			return err
		}

		count := workerCount
		if count == 0 {
			count = cfg.Worker.Count
		}
		if count <= 0 {
			count = 1
		}

		zap.L().Info("starting workers", zap.Int("count", count))

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < count; i++ {
			w := queue.NewWorker(st, d, workerConfig())
			g.Go(func() error {
				return w.Run(gctx)
			})
		}
		return g.Wait()
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "number of worker loops (default from config)")
	rootCmd.AddCommand(workerCmd)
}
