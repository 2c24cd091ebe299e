package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/config"
)

func newWorkerCmd(flags *globalFlags) *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the retry queue and resume failure jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := flags.open(cmd.Context(), func(c *config.Config) {
				c.Scheduler.Enabled = false
				if workers > 0 {
					c.Worker.Concurrency = workers
				}
			})
			if err != nil {
				return err
			}
			defer closeApp(app)

			app.Logger.Info("worker started",
				slog.String("worker", app.Worker.ID),
				slog.Int("concurrency", app.Config.Worker.Concurrency),
			)
			return app.Worker.Run(cmd.Context(), app.Config.Worker.Concurrency)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "override worker.concurrency")
	return cmd
}

func newSchedulerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run scheduled workflows on their cron expressions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := flags.open(cmd.Context(), func(c *config.Config) {
				c.Scheduler.Enabled = true
			})
			if err != nil {
				return err
			}
			defer closeApp(app)

			ctx := cmd.Context()
			if err := app.Scheduler.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), app.Config.HTTP.ShutdownTimeout)
			defer cancel()
			return app.Scheduler.Stop(stopCtx)
		},
	}
}
