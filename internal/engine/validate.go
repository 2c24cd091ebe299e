package engine

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/stepflow/pkg/api"
)

// ValidateChain walks Next pointers from the entry step and fails with
// api.ErrCycleDetected if a step is reached twice. A missing step ends the
// walk; the interpreter reports it when the run gets there.
func ValidateChain(wf api.Workflow) error {
	idx := wf.StepIndex()
	seen := make(map[string]struct{}, len(idx))

	for cursor := wf.EntryStepID; cursor != ""; {
		if _, dup := seen[cursor]; dup {
			return fmt.Errorf("%w: step %q is revisited", api.ErrCycleDetected, cursor)
		}
		seen[cursor] = struct{}{}

		step, ok := idx[cursor]
		if !ok {
			return nil
		}
		cursor = step.Next
	}
	return nil
}

// ValidateWorkflow checks a definition before it is stored: unique step ids,
// resolvable entry and Next pointers, registered refs, an acyclic chain and
// a parseable cron expression. All problems are reported together.
func ValidateWorkflow(wf api.Workflow, reg *Registry) error {
	var errs []error

	if wf.ID == "" {
		errs = append(errs, errors.New("workflow id is required"))
	}
	if len(wf.Steps) == 0 {
		errs = append(errs, errors.New("workflow must have at least one step"))
	}

	ids := make(map[string]struct{}, len(wf.Steps))
	for i, s := range wf.Steps {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("step #%d: id is required", i))
			continue
		}
		if _, dup := ids[s.ID]; dup {
			errs = append(errs, fmt.Errorf("step %q: duplicate id", s.ID))
		}
		ids[s.ID] = struct{}{}

		switch s.Kind {
		case api.StepKindTrigger, api.StepKindAction:
		default:
			errs = append(errs, fmt.Errorf("step %q: unknown kind %q", s.ID, s.Kind))
		}
		if reg != nil && !reg.Has(s.Ref) {
			errs = append(errs, fmt.Errorf("step %q: %w: %q", s.ID, api.ErrHandlerNotFound, s.Ref))
		}
		if s.Retry != nil && (s.Retry.MaxAttempts < 1 || s.Retry.Backoff < 0) {
			errs = append(errs, fmt.Errorf("step %q: retry needs maxAttempts >= 1 and backoff >= 0", s.ID))
		}
	}

	if _, ok := ids[wf.EntryStepID]; !ok {
		errs = append(errs, fmt.Errorf("entry %w: %q", api.ErrStepNotFound, wf.EntryStepID))
	}
	for _, s := range wf.Steps {
		if s.Next == "" {
			continue
		}
		if _, ok := ids[s.Next]; !ok {
			errs = append(errs, fmt.Errorf("step %q: next %w: %q", s.ID, api.ErrStepNotFound, s.Next))
		}
	}
	if err := ValidateChain(wf); err != nil {
		errs = append(errs, err)
	}

	if wf.ScheduleCron != "" {
		if _, err := cron.ParseStandard(wf.ScheduleCron); err != nil {
			errs = append(errs, fmt.Errorf("scheduleCron %q: %w", wf.ScheduleCron, err))
		}
	}

	return errors.Join(errs...)
}
