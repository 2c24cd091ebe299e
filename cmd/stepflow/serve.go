package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/stepflow/internal/config"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		addr      string
		noWorker  bool
		workers   int
		noScheduler bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with an embedded retry worker and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := flags.open(cmd.Context(), func(c *config.Config) {
				if addr != "" {
					c.HTTP.Addr = addr
				}
				if workers > 0 {
					c.Worker.Concurrency = workers
				}
				if noScheduler {
					c.Scheduler.Enabled = false
				}
			})
			if err != nil {
				return err
			}
			defer closeApp(app)

			srv := &http.Server{
				Addr:    app.Config.HTTP.Addr,
				Handler: app.HTTPHandler(),
			}

			if app.Scheduler != nil {
				if err := app.Scheduler.Start(cmd.Context()); err != nil {
					return fmt.Errorf("start scheduler: %w", err)
				}
			}

			g, ctx := errgroup.WithContext(cmd.Context())

			g.Go(func() error {
				app.Logger.Info("http server listening", slog.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.HTTP.ShutdownTimeout)
				defer cancel()
				app.Logger.Info("shutting down http server")
				return srv.Shutdown(shutdownCtx)
			})

			if !noWorker {
				g.Go(func() error {
					return app.Worker.Run(ctx, app.Config.Worker.Concurrency)
				})
			}

			if app.Scheduler != nil {
				g.Go(func() error {
					<-ctx.Done()
					stopCtx, cancel := context.WithTimeout(context.Background(), app.Config.HTTP.ShutdownTimeout)
					defer cancel()
					return app.Scheduler.Stop(stopCtx)
				})
			}

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "override http.addr")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not consume the retry queue in this process")
	cmd.Flags().IntVar(&workers, "workers", 0, "override worker.concurrency")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not start the cron scheduler")
	return cmd
}
