package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

func newSeedCmd(flags *globalFlags) *cobra.Command {
	var (
		owner  string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "seed <file.yaml>...",
		Short: "Validate and store workflows defined in YAML files",
		Long: "Each file holds one or more YAML documents, one workflow per document. " +
			"Workflows without an id get a new one; existing ids are replaced.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var wfs []api.Workflow
			for _, path := range args {
				parsed, err := readWorkflowFile(path)
				if err != nil {
					return err
				}
				wfs = append(wfs, parsed...)
			}

			app, err := flags.open(cmd.Context(), func(c *config.Config) {
				c.Scheduler.Enabled = false
			})
			if err != nil {
				return err
			}
			defer closeApp(app)

			s := seeder{
				store:    app.Persistence.Workflows,
				registry: app.Registry,
				owner:    owner,
				dryRun:   dryRun,
				now:      time.Now,
			}
			saved, err := s.seed(cmd.Context(), wfs)
			if err != nil {
				return err
			}
			for _, wf := range saved {
				app.Logger.Info("workflow seeded",
					slog.String("workflow", wf.ID),
					slog.String("name", wf.Name),
					slog.String("owner", wf.Owner),
					slog.Bool("dry_run", dryRun),
				)
				fmt.Fprintln(cmd.OutOrStdout(), wf.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner for workflows that do not name one")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate only, store nothing")
	return cmd
}

func readWorkflowFile(path string) ([]api.Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	wfs, err := decodeWorkflows(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wfs, nil
}

// decodeWorkflows reads a YAML stream of workflow documents.
func decodeWorkflows(r io.Reader) ([]api.Workflow, error) {
	dec := yaml.NewDecoder(r)
	var out []api.Workflow
	for {
		var wf api.Workflow
		err := dec.Decode(&wf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode workflow %d: %w", len(out)+1, err)
		}
		out = append(out, wf)
	}
	if len(out) == 0 {
		return nil, errors.New("no workflows found")
	}
	return out, nil
}

type seeder struct {
	store    persistence.WorkflowStore
	registry *engine.Registry
	owner    string
	dryRun   bool
	now      func() time.Time
}

// seed validates every workflow before storing any of them.
func (s seeder) seed(ctx context.Context, wfs []api.Workflow) ([]api.Workflow, error) {
	now := s.now().UTC()
	prepared := make([]api.Workflow, 0, len(wfs))

	for i, wf := range wfs {
		if wf.ID == "" {
			wf.ID = uuid.NewString()
		}
		if wf.Owner == "" {
			wf.Owner = s.owner
		}
		if wf.Owner == "" {
			return nil, fmt.Errorf("workflow %d (%s): owner is required", i+1, wf.Name)
		}
		if err := engine.ValidateWorkflow(wf, s.registry); err != nil {
			return nil, fmt.Errorf("workflow %d (%s): %w", i+1, wf.Name, err)
		}

		wf.CreatedAt = now
		wf.UpdatedAt = now
		existing, err := s.store.GetWorkflow(ctx, wf.ID)
		switch {
		case err == nil:
			wf.CreatedAt = existing.CreatedAt
		case !errors.Is(err, persistence.ErrWorkflowNotFound):
			return nil, fmt.Errorf("load workflow %s: %w", wf.ID, err)
		}
		prepared = append(prepared, wf)
	}

	if s.dryRun {
		return prepared, nil
	}
	for _, wf := range prepared {
		if err := s.store.SaveWorkflow(ctx, wf); err != nil {
			return nil, fmt.Errorf("save workflow %s: %w", wf.ID, err)
		}
	}
	return prepared, nil
}
