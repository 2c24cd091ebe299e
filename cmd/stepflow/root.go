package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/bootstrap"
	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/logging"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "Workflow automation engine",
		Long:          "stepflow runs user-defined step chains triggered by the API, webhooks or cron schedules, and resumes failed steps in the background.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (yaml, json or toml); STEPFLOW_* env vars override it")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(flags),
		newWorkerCmd(flags),
		newSchedulerCmd(flags),
		newSeedCmd(flags),
		newRetryCmd(flags),
	)
	return root
}

// load reads the configuration and builds the process logger.
func (f *globalFlags) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// open loads the configuration and opens the backend. The caller closes the
// returned app.
func (f *globalFlags) open(ctx context.Context, mutate func(*config.Config)) (*bootstrap.App, error) {
	cfg, logger, err := f.load()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
	}
	app, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Store.Backend, err)
	}
	return app, nil
}

func closeApp(app *bootstrap.App) {
	ctx, cancel := context.WithTimeout(context.Background(), app.Config.HTTP.ShutdownTimeout)
	defer cancel()
	if err := app.Close(ctx); err != nil {
		app.Logger.Error("close backend", slog.Any("error", err))
	}
}
