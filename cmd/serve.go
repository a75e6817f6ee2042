package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mof-screen/internal/api"
	"github.com/sells-group/mof-screen/internal/config"
	"github.com/sells-group/mof-screen/internal/intake"
	"github.com/sells-group/mof-screen/internal/workflow"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the batch intake API",
	Long:  "Serves the batch intake and status API. With the memory queue driver the worker and controller run in the same process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, config.ModeAPI, false)
		if err != nil {
			return err
		}
		defer env.Close()

		svc := intake.NewService(env.Store, env.Queue, env.Artifacts, initGenerator())
		router := api.NewRouter(api.Deps{
			Store:          env.Store,
			Intake:         svc,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		if cfg.Queue.Driver == "memory" {
			engine, worker := newEngine(env)
			ctrl := workflow.NewController(env.Store, engine.Barrier(), timeout(cfg.Controller.IntervalSecs))
			g.Go(func() error { return worker.Run(gctx) })
			g.Go(func() error {
				ctrl.Run(gctx)
				return nil
			})
			zap.L().Info("embedded worker and controller enabled")
		}

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
