package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/config"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume pipeline jobs from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if workerConcurrency > 0 {
			cfg.Worker.Concurrency = workerConcurrency
		}

		env, err := initEnv(ctx, config.ModeWorker, false)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Queue.Driver == "memory" {
			zap.L().Warn("worker started with the memory queue; only jobs enqueued by this process will run")
		}

		_, w := newEngine(env)
		return w.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "concurrent consumers (default from config)")
	rootCmd.AddCommand(workerCmd)
}
