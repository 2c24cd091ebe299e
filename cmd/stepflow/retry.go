package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/config"
)

func newRetryCmd(flags *globalFlags) *cobra.Command {
	var async bool

	cmd := &cobra.Command{
		Use:   "retry <jobId>",
		Short: "Resume a failure job now, or queue it for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			app, err := flags.open(cmd.Context(), func(c *config.Config) {
				c.Scheduler.Enabled = false
			})
			if err != nil {
				return err
			}
			defer closeApp(app)

			if async {
				if err := app.Worker.EnqueueRetry(cmd.Context(), jobID); err != nil {
					return fmt.Errorf("enqueue %s: %w", jobID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", jobID)
				return nil
			}

			out, err := app.Resumer.Resume(cmd.Context(), jobID, app.Worker.ID)
			if err != nil {
				return fmt.Errorf("resume %s: %w", jobID, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if !out.OK {
				return fmt.Errorf("resumed run %s failed: %s", out.RunID, out.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "enqueue the job instead of resuming it in this process")
	return cmd
}
