package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/breakwater-travel/intake-cli/internal/httpapi"
	"github.com/breakwater-travel/intake-cli/internal/monitoring"
	"github.com/breakwater-travel/intake-cli/internal/queue"
)

var serveWithWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and dashboard API server",
	Long:  "Serves the WhatsApp webhook receiver and the dashboard API. The queue health checker runs alongside when monitoring is enabled; --with-worker embeds a task worker for single-process deployments.",
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

		srv := httpapi.NewServer(st, cfg.Server, cfg.WaAPI.WebhookSecret)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})

		if cfg.Monitor.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st),
				monitoring.NewAlerter(cfg.Monitor),
				cfg.Monitor,
			)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		if serveWithWorker {
			engine, err := initEngine()
			if err != nil {
				return err
			}
			d, err := buildDispatcher(st, engine)
			if err != nil {
				return err
			}
			w := queue.NewWorker(st, d, workerConfig())
			g.Go(func() error {
				return w.Run(gctx)
			})
			zap.L().Info("embedded worker enabled")
		}

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "run a task worker in-process")
	rootCmd.AddCommand(serveCmd)
}
