package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mof-screen/internal/config"
	"github.com/sells-group/mof-screen/internal/monitoring"
	"github.com/sells-group/mof-screen/internal/workflow"
)

var controllerOnce bool

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the batch reconciliation sweep",
	Long:  "Periodically re-evaluates every active batch's barrier so batches advance even when stage events are lost. Also runs health alerts when monitoring is enabled.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeController, true)
		if err != nil {
			return err
		}
		defer env.Close()

		barrier := workflow.NewBarrier(env.Store, env.Queue)
		ctrl := workflow.NewController(env.Store, barrier, timeout(cfg.Controller.IntervalSecs))

		if controllerOnce {
			stats, err := ctrl.Sweep(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("controller: single sweep done",
				zap.Int("checked", stats.Checked),
				zap.Int("second_sync", stats.SecondSync),
				zap.Int("completed", stats.Completed),
				zap.Int("errors", stats.Errors),
			)
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			ctrl.Run(gctx)
			return nil
		})

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		return g.Wait()
	},
}

func init() {
	controllerCmd.Flags().BoolVar(&controllerOnce, "once", false, "run a single sweep and exit")
	rootCmd.AddCommand(controllerCmd)
}
